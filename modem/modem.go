package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/smsbridge/at"
	"i4.energy/across/smsbridge/carrier"
	"i4.energy/across/smsbridge/metrics"
)

// Modem represents a GSM/4G cellular modem driven through AT commands in
// text mode with direct SMS delivery.
//
// One goroutine runs Loop and feeds every received byte into the collector.
// Send issues commands and waits for their outcome, and Listen turns
// incoming +CMT notifications into messages. A Modem serves a single
// connection; after Close a new one is built for the next connection.
type Modem struct {
	transport Transport
	config    Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	rx *collector

	// cmdMu serializes command exchanges.
	cmdMu sync.Mutex

	loopRunning   atomic.Bool
	listenRunning atomic.Bool

	closeMu sync.Mutex
	closed  bool
	done    chan struct{}

	opMu     sync.RWMutex
	imsi     string
	operator string
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New dials the modem and prepares its receive buffer. The modem is not
// usable until Loop is running and Init has succeeded.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	return &Modem{
		transport: transport,
		config:    config,
		logger:    config.logger,
		metrics:   config.metrics,
		rx:        newCollector(config.rxBufferSize, config.logger, config.metrics),
		done:      make(chan struct{}),
		operator:  carrier.Unknown,
	}, nil
}

// Loop reads from the transport and hands every chunk to the collector. It
// is the only reader of the transport.
//
// Loop returns io.EOF when the transport reaches end of stream, a wrapped
// read error when reading fails, and ctx.Err() when ctx is done. Closing
// the modem unblocks a pending read.
//
// Usage:
//
//	m, err := modem.New(ctx, config)
//	if err != nil { return err }
//	go m.Loop(ctx)
//	if err := m.Init(ctx); err != nil { return err }
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)

	go func() {
		defer close(chunks)
		buf := make([]byte, 256)
		for {
			n, err := m.transport.Read(buf)
			if n > 0 {
				select {
				case chunks <- bytes.Clone(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-readErr:
					if errors.Is(err, io.EOF) {
						return io.EOF
					}
					return fmt.Errorf("read error: %w", err)
				default:
					return ctx.Err()
				}
			}
			m.rx.Append(chunk)
		}
	}
}

// Init runs the bring-up sequence. Steps whose failure leaves the modem
// usable only log a warning; the rest abort bring-up.
func (m *Modem) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.initTimeout)
	defer cancel()

	if err := m.probe(ctx); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := m.expectOK(ctx, at.CmdEchoOff); err != nil {
		m.logger.Warn("Could not disable echo", "error", err)
	}

	if err := m.unlockSIM(ctx); err != nil {
		return err
	}

	if err := m.expectOK(ctx, at.CmdSetTextMode); err != nil {
		return fmt.Errorf("set SMS text mode: %w", err)
	}

	if err := m.expectOK(ctx, at.CmdCharsetUCS2); err != nil {
		m.logger.Warn("Could not select UCS2 character set, messages may be garbled", "error", err)
	}

	if err := m.expectOK(ctx, at.CmdDirectDelivery); err != nil {
		return fmt.Errorf("enable direct SMS delivery: %w", err)
	}

	m.lookupOperator(ctx)

	m.logger.Info("Modem ready", "operator", m.Operator())
	return nil
}

// probe sends AT until the modem answers OK or the attempts run out.
func (m *Modem) probe(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= m.config.probeAttempts; attempt++ {
		if err = m.expectOK(ctx, at.CmdAt); err == nil {
			return nil
		}
		m.logger.Warn("Modem probe failed", "attempt", attempt, "of", m.config.probeAttempts, "error", err)
		if attempt == m.config.probeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.probeInterval):
		}
	}
	return err
}

// unlockSIM enters the configured PIN when the SIM asks for one. A modem
// that cannot report SIM status is let through with a warning.
func (m *Modem) unlockSIM(ctx context.Context) error {
	status, err := m.Send(ctx, at.CmdSimStatus)
	if err != nil {
		m.logger.Warn("Could not query SIM status", "error", err)
		return nil
	}

	switch {
	case strings.Contains(status, at.SimReady):
		return nil

	case strings.Contains(status, at.SimPin):
		if m.config.simPIN == "" {
			return ErrSIMPinRequired
		}
		if err := m.expectOK(ctx, fmt.Sprintf(`AT+CPIN="%s"`, m.config.simPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}
		return m.waitForSIMReady(ctx, PollConfig{})

	default:
		m.logger.Warn("Unexpected SIM state", "response", status)
		return nil
	}
}

// waitForSIMReady polls the SIM card status until it reports ready state.
func (m *Modem) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			resp, err := m.Send(ctx, at.CmdSimStatus)
			if err != nil {
				if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrNotInitialized) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if strings.Contains(resp, at.SimReady) {
				return nil
			}
		}
	}
}

func (m *Modem) lookupOperator(ctx context.Context) {
	resp, err := m.Send(ctx, at.CmdIMSI)
	if err != nil {
		m.logger.Warn("Could not read IMSI", "error", err)
		return
	}
	imsi, err := carrier.ParseIMSI(resp)
	if err != nil {
		m.logger.Warn("Could not parse IMSI", "response", resp)
		return
	}

	name, ok := carrier.Lookup(imsi)
	if !ok {
		m.logger.Warn("Unknown SIM operator", "prefix", imsi[:min(len(imsi), 5)])
	}

	m.opMu.Lock()
	m.imsi, m.operator = imsi, name
	m.opMu.Unlock()
}

// Operator returns the SIM's network operator, or carrier.Unknown.
func (m *Modem) Operator() string {
	m.opMu.RLock()
	defer m.opMu.RUnlock()
	return m.operator
}

// IMSI returns the subscriber identity read during Init, if any.
func (m *Modem) IMSI() string {
	m.opMu.RLock()
	defer m.opMu.RUnlock()
	return m.imsi
}

func (m *Modem) isClosed() bool {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	return m.closed
}

// Close stops Listen and any waiting Send, empties the receive buffer and
// closes the transport, which ends Loop. A closed modem cannot be reused.
func (m *Modem) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed {
		return ErrAlreadyClosed
	}
	m.closed = true
	close(m.done)
	m.rx.reset()

	return m.transport.Close()
}
