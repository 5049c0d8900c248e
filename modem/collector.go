package modem

import (
	"bytes"
	"log/slog"
	"sync"

	"i4.energy/across/smsbridge/at"
	"i4.energy/across/smsbridge/metrics"
)

// rxBuffer is a bounded byte queue. It never holds more than size bytes;
// appending past that drops the oldest bytes.
type rxBuffer struct {
	buf  []byte
	size int
}

func newRxBuffer(size int) *rxBuffer {
	return &rxBuffer{buf: make([]byte, 0, size), size: size}
}

// append adds p and returns how many old bytes were discarded to fit it.
func (b *rxBuffer) append(p []byte) (dropped int) {
	if len(p) >= b.size {
		dropped = len(b.buf) + len(p) - b.size
		b.buf = append(b.buf[:0], p[len(p)-b.size:]...)
		return dropped
	}
	if over := len(b.buf) + len(p) - b.size; over > 0 {
		b.consume(over)
		dropped = over
	}
	b.buf = append(b.buf, p...)
	return dropped
}

// bytes returns the buffered bytes. The slice is only valid until the next
// mutation.
func (b *rxBuffer) bytes() []byte {
	return b.buf
}

func (b *rxBuffer) len() int {
	return len(b.buf)
}

// consume drops the first n bytes.
func (b *rxBuffer) consume(n int) {
	b.cut(0, n)
}

// cut removes buf[start:end], keeping what surrounds it.
func (b *rxBuffer) cut(start, end int) {
	end = min(end, len(b.buf))
	if start >= end {
		return
	}
	n := copy(b.buf[start:], b.buf[end:])
	b.buf = b.buf[:start+n]
}

func (b *rxBuffer) reset() {
	b.buf = b.buf[:0]
}

// commandResult is what a pending command receives when its exchange ends.
type commandResult struct {
	outcome  at.Outcome
	response string
}

// pendingCommand correlates one in-flight exchange. done is buffered so the
// collector never blocks while holding its lock.
type pendingCommand struct {
	done chan commandResult
}

// collector owns the receive buffer. Every byte from the link goes through
// Append, which raises the command outcome and the frame signal under the
// same lock that guards the bytes.
type collector struct {
	mu      sync.Mutex
	rx      *rxBuffer
	pending *pendingCommand

	// frames holds at most one token: set when a complete notification is
	// buffered, cleared by the parser taking it.
	frames chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newCollector(size int, logger *slog.Logger, m *metrics.Metrics) *collector {
	return &collector{
		rx:      newRxBuffer(size),
		frames:  make(chan struct{}, 1),
		logger:  logger,
		metrics: m,
	}
}

// Append adds bytes received from the link and raises any signal they
// complete.
func (c *collector) Append(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.appendLocked(p)
	c.logger.Debug("RX", "data", string(p), "buffered", c.rx.len())

	c.scanLocked()
}

func (c *collector) appendLocked(p []byte) {
	if dropped := c.rx.append(p); dropped > 0 {
		c.logger.Warn("Receive buffer overflow, discarding oldest bytes",
			"dropped", dropped, "size", c.rx.size)
		c.metrics.RxOverflow(dropped)
	}
}

func (c *collector) scanLocked() {
	if c.pending != nil {
		// Message bodies may read like result codes, so only the bytes
		// outside complete frames can end an exchange.
		rest, frames := splitFrames(c.rx.bytes())
		if outcome := at.Completion(rest); outcome != at.Pending {
			c.pending.done <- commandResult{outcome: outcome, response: string(rest)}
			c.pending = nil
			c.rx.reset()
			c.appendLocked(frames)
		}
	}

	if _, _, ok := at.FindFrame(c.rx.bytes()); ok {
		select {
		case c.frames <- struct{}{}:
		default:
		}
	}
}

// splitFrames separates every complete frame in buf from the surrounding
// bytes. buf is not modified.
func splitFrames(buf []byte) (rest, frames []byte) {
	for {
		start, end, ok := at.FindFrame(buf)
		if !ok {
			return append(rest, buf...), frames
		}
		frames = append(frames, buf[start:end]...)
		rest = append(rest, buf[:start]...)
		buf = buf[end:]
	}
}

// begin clears the buffer and registers a new pending command. Any outcome
// raised before this point belongs to nobody.
func (c *collector) begin() *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rx.reset()
	p := &pendingCommand{done: make(chan commandResult, 1)}
	c.pending = p
	return p
}

// abandon detaches p after a timeout or cancellation and clears the buffer.
// If p completed in the meantime its result is returned instead.
func (c *collector) abandon(p *pendingCommand) (commandResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == p {
		c.pending = nil
		c.rx.reset()
		return commandResult{}, false
	}
	select {
	case res := <-p.done:
		return res, true
	default:
		return commandResult{}, false
	}
}

// takeFrames removes every complete notification frame, oldest first.
//
// With no command in flight, bytes preceding a frame are noise and go with
// it. While a command is pending only the frame itself is cut, so the
// command's response text stays intact.
func (c *collector) takeFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var frames [][]byte
	for {
		start, end, ok := at.FindFrame(c.rx.bytes())
		if !ok {
			break
		}
		frames = append(frames, bytes.Clone(c.rx.bytes()[start:end]))
		if c.pending != nil {
			c.rx.cut(start, end)
		} else {
			c.rx.consume(end)
		}
	}
	return frames
}

// reset empties the buffer, drops any pending command and clears the
// frame signal.
func (c *collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rx.reset()
	c.pending = nil
	select {
	case <-c.frames:
	default:
	}
}

// snapshot returns a copy of the buffered bytes.
func (c *collector) snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.rx.bytes())
}
