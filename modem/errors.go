package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has no transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop or Listen is started while a
	// previous invocation is still running.
	ErrLoopRunning = errors.New("loop already running")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrCommandTimeout is returned by Send when neither a success nor a
	// failure marker arrived in time. No response text is available.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrCommandFailed is wrapped by CommandError.
	ErrCommandFailed = errors.New("command failed")
)

// CommandError reports an exchange that ended with a failure marker
// (ERROR, +CME ERROR, +CMS ERROR) or an unexpected data prompt.
type CommandError struct {
	Command  string
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %q returned %q", ErrCommandFailed, e.Command, e.Response)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
