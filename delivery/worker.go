// Package delivery gets decoded messages to the broker despite outages.
//
// A message is published as soon as it arrives. If that fails it occupies
// the single retry slot and is retried on a fixed backoff; after the last
// attempt it is escalated to the overflow store. While the slot is busy,
// new arrivals go straight to the store. Whenever the broker is connected
// the store is drained oldest first.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"i4.energy/across/smsbridge/metrics"
	"i4.energy/across/smsbridge/sms"
	"i4.energy/across/smsbridge/store"
)

//go:generate go tool mockgen -destination=mock_delivery.go -package=delivery . Publisher,Store

// Publisher is the broker as seen by the worker. Publish must fail fast
// when the broker is unreachable; the worker owns all retrying.
type Publisher interface {
	Publish(ctx context.Context, msg sms.Message) error
	IsConnected() bool
}

// Store is the durable overflow queue.
type Store interface {
	Save(msg sms.Message) error
	Oldest() (sms.Message, error)
	DeleteOldest() error
	Count() (int, error)
}

// Retry slot states.
const (
	StateIdle         = "idle"
	StateRetryWaiting = "retry_waiting"
)

const (
	eventFail    = "fail"
	eventResolve = "resolve"
)

const (
	DefaultBackoff      = 10 * time.Second
	DefaultMaxAttempts  = 3
	DefaultPollInterval = time.Second
)

// Status is a snapshot of the retry slot.
type Status struct {
	State       string    `json:"state"`
	Sender      string    `json:"sender,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
}

type retrySlot struct {
	msg      sms.Message
	attempts int
	deadline time.Time
}

// Worker is the delivery state machine. Deliver, Tick and Run must be
// called from a single goroutine; Status may be called from any.
type Worker struct {
	publisher Publisher
	store     Store

	backoff      time.Duration
	maxAttempts  int
	pollInterval time.Duration
	now          func() time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics

	fsm    *fsm.FSM
	slot   *retrySlot
	status atomic.Pointer[Status]
}

// Option configures a Worker.
type Option func(*Worker)

func WithBackoff(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.backoff = d
		}
	}
}

// WithMaxAttempts sets how many publish attempts a message gets, the
// immediate one included, before it is escalated to the store.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithClock replaces time.Now for deadline bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// New creates a worker with an empty retry slot.
func New(publisher Publisher, st Store, opts ...Option) *Worker {
	w := &Worker{
		publisher:    publisher,
		store:        st,
		backoff:      DefaultBackoff,
		maxAttempts:  DefaultMaxAttempts,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventFail, Src: []string{StateIdle}, Dst: StateRetryWaiting},
			{Name: eventResolve, Src: []string{StateRetryWaiting}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				w.logger.Debug("Retry slot state changed", "from", e.Src, "to", e.Dst)
				w.metrics.SetRetryActive(e.Dst == StateRetryWaiting)
			},
		},
	)
	w.publishStatus()
	return w
}

// Run consumes q until ctx is done. Every wake, whether a message arrived
// or the poll interval elapsed, services the retry deadline and drains the
// store.
func (w *Worker) Run(ctx context.Context, q *sms.Queue) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.refreshStored()
	w.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q.C():
			w.Deliver(ctx, msg)
		case <-ticker.C:
		}
		w.Tick(ctx)
	}
}

// Deliver handles a newly arrived message.
func (w *Worker) Deliver(ctx context.Context, msg sms.Message) {
	if w.slot != nil {
		w.logger.Info("Retry in progress, storing new message", "sender", msg.Sender())
		w.persist(msg)
		return
	}

	err := w.publisher.Publish(ctx, msg)
	if err == nil {
		w.metrics.Delivered(metrics.PathDirect)
		w.logger.Info("Message delivered", "sender", msg.Sender())
		return
	}

	w.metrics.PublishFailed()
	w.slot = &retrySlot{msg: msg, attempts: 1, deadline: w.now().Add(w.backoff)}
	w.logger.Warn("Publish failed, scheduling retry",
		"sender", msg.Sender(), "error", err, "retry_in", w.backoff)
	w.transition(ctx, eventFail)
}

// Tick retries the slot if its deadline has passed and drains the store if
// the broker is connected. Stored messages wait while a retry is active so
// none of them overtakes the message in the slot.
func (w *Worker) Tick(ctx context.Context) {
	if w.slot != nil && !w.now().Before(w.slot.deadline) {
		w.retry(ctx)
	}
	if w.slot == nil && w.publisher.IsConnected() {
		w.drain(ctx)
	}
}

func (w *Worker) retry(ctx context.Context) {
	s := w.slot
	err := w.publisher.Publish(ctx, s.msg)
	if err == nil {
		w.metrics.Delivered(metrics.PathRetry)
		w.logger.Info("Message delivered on retry", "sender", s.msg.Sender(), "attempt", s.attempts+1)
		w.clearSlot(ctx)
		return
	}

	w.metrics.PublishFailed()
	s.attempts++
	if s.attempts >= w.maxAttempts {
		w.metrics.Escalated()
		w.logger.Warn("Retries exhausted, moving message to store",
			"sender", s.msg.Sender(), "attempts", s.attempts, "error", err)
		w.persist(s.msg)
		w.clearSlot(ctx)
		return
	}

	s.deadline = w.now().Add(w.backoff)
	w.logger.Warn("Retry failed", "sender", s.msg.Sender(), "attempt", s.attempts, "error", err)
	w.publishStatus()
}

// drain publishes stored messages oldest first and stops at the first
// failure.
func (w *Worker) drain(ctx context.Context) {
	defer w.refreshStored()

	for ctx.Err() == nil {
		msg, err := w.store.Oldest()
		switch {
		case errors.Is(err, store.ErrEmpty):
			return
		case errors.Is(err, store.ErrCorrupt):
			w.metrics.Lost(metrics.LossStoreCorrupt)
			w.logger.Error("Dropping unreadable stored message, data lost", "error", err)
			if err := w.store.DeleteOldest(); err != nil {
				w.logger.Error("Could not remove unreadable stored message", "error", err)
				return
			}
			continue
		case err != nil:
			w.logger.Error("Could not read overflow store", "error", err)
			return
		}

		if err := w.publisher.Publish(ctx, msg); err != nil {
			w.metrics.PublishFailed()
			w.logger.Debug("Stored message not delivered, will retry later", "sender", msg.Sender(), "error", err)
			return
		}
		w.metrics.Delivered(metrics.PathStore)
		w.logger.Info("Stored message delivered", "sender", msg.Sender())

		if err := w.store.DeleteOldest(); err != nil {
			w.logger.Error("Delivered message not removed from store, it will be sent again", "error", err)
			return
		}
	}
}

// persist saves msg to the store. A failure is terminal for msg.
func (w *Worker) persist(msg sms.Message) {
	defer w.refreshStored()

	err := w.store.Save(msg)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrFull):
		w.metrics.Lost(metrics.LossStoreFull)
		w.logger.Error("Overflow store full, message lost", "sender", msg.Sender(), "content", msg.Content())
	default:
		w.metrics.Lost(metrics.LossStoreError)
		w.logger.Error("Could not save message, message lost", "sender", msg.Sender(), "content", msg.Content(), "error", err)
	}
}

func (w *Worker) clearSlot(ctx context.Context) {
	w.slot = nil
	w.transition(ctx, eventResolve)
}

func (w *Worker) transition(ctx context.Context, event string) {
	if err := w.fsm.Event(ctx, event); err != nil {
		w.logger.Error("Invalid retry slot transition", "event", event, "state", w.fsm.Current(), "error", err)
	}
	w.publishStatus()
}

func (w *Worker) publishStatus() {
	st := &Status{State: w.fsm.Current()}
	if w.slot != nil {
		st.Sender = w.slot.msg.Sender()
		st.Attempts = w.slot.attempts
		st.NextAttempt = w.slot.deadline
	}
	w.status.Store(st)
}

func (w *Worker) refreshStored() {
	if n, err := w.store.Count(); err == nil {
		w.metrics.SetStored(n)
	}
}

// Status returns the current retry slot snapshot.
func (w *Worker) Status() Status {
	return *w.status.Load()
}
