package modem

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/smsbridge/at"
)

// Send writes cmd terminated by CRLF and waits for the exchange to end.
//
// On success the full text captured for the exchange is returned. A failure
// marker (or a data prompt) yields a *CommandError carrying that text. If
// neither arrives within the configured AT timeout, ErrCommandTimeout is
// returned and no text is available. Only one command is in flight at a
// time; concurrent callers queue on the command lock.
func (m *Modem) Send(ctx context.Context, cmd string) (string, error) {
	if m.isClosed() {
		return "", ErrAlreadyClosed
	}
	if m.transport == nil {
		return "", ErrNotInitialized
	}

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	start := time.Now()
	pending := m.rx.begin()

	m.logger.Debug("TX", "cmd", cmd)
	if _, err := m.transport.Write([]byte(cmd + at.CRLF)); err != nil {
		m.rx.abandon(pending)
		return "", fmt.Errorf("write command %q: %w", cmd, err)
	}

	timer := time.NewTimer(m.config.atTimeout)
	defer timer.Stop()

	var res commandResult
	select {
	case res = <-pending.done:
	case <-timer.C:
		r, ok := m.rx.abandon(pending)
		if !ok {
			m.metrics.Command("timeout", time.Since(start))
			m.logger.Warn("AT command timed out", "cmd", cmd, "timeout", m.config.atTimeout)
			return "", fmt.Errorf("%w: %q after %s", ErrCommandTimeout, cmd, m.config.atTimeout)
		}
		res = r
	case <-ctx.Done():
		if r, ok := m.rx.abandon(pending); ok {
			res = r
			break
		}
		return "", ctx.Err()
	case <-m.done:
		m.rx.abandon(pending)
		return "", ErrAlreadyClosed
	}

	m.metrics.Command(res.outcome.String(), time.Since(start))
	if res.outcome != at.Success {
		m.logger.Debug("AT command failed", "cmd", cmd, "response", res.response)
		return res.response, &CommandError{Command: cmd, Response: res.response}
	}
	return res.response, nil
}

// expectOK sends cmd and discards the response text.
func (m *Modem) expectOK(ctx context.Context, cmd string) error {
	_, err := m.Send(ctx, cmd)
	return err
}
