package modem

import (
	"io"
	"sync"
)

// TestTransport is an in-memory Transport for tests. Reads block until data
// is queued with SendData or produced by the responder installed with
// Respond, like a real serial port would.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	written  []string
	respond  func(written string) string
}

// NewTestTransport creates a new test transport for testing.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 32),
	}
}

// Respond installs fn to script the modem side. fn sees each write and
// returns the bytes the modem answers with; an empty reply sends nothing.
func (t *TestTransport) Respond(fn func(written string) string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond = fn
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	t.written = append(t.written, string(p))
	if t.respond != nil {
		if reply := t.respond(string(p)); reply != "" {
			t.readChan <- []byte(reply)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Written returns every write seen so far, in order.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}
