package sms

import "context"

// DefaultQueueSize is the number of decoded messages that may wait between
// the modem and the delivery worker.
const DefaultQueueSize = 10

// Queue is a bounded FIFO hand-off with a single consumer in mind.
type Queue struct {
	ch chan Message
}

// NewQueue creates a queue holding up to size messages. A non-positive size
// selects DefaultQueueSize.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Message, size)}
}

// Put enqueues m, blocking while the queue is full. It only gives up when
// ctx is done.
func (q *Queue) Put(ctx context.Context, m Message) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the receive side so consumers can combine it with timers.
func (q *Queue) C() <-chan Message {
	return q.ch
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
