package modem

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

//go:generate go tool mockgen -destination=mock_transport.go -package=modem . Transport,Dialer

// Transport represents an established, bidirectional byte stream to a GSM modem.
//
// A Transport is assumed to be already connected and ready for use. Typical
// implementations are serial ports, TCP connections to emulators, or
// in-memory fakes used for testing. Close must unblock a pending Read.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a GSM modem.
//
// Dialer abstracts how the modem connection is created and is used during
// modem construction only. A supervisor that re-creates the Modem dials
// again for every generation.
type Dialer interface {
	// Dial creates and returns a connected Transport. It should respect
	// cancellation provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens the modem over a local serial port.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0".
	PortName string
	// BaudRate is used when Mode is nil. Zero selects 115200.
	BaudRate int
	// Mode overrides the line settings entirely.
	Mode *serial.Mode
}

var (
	errNoPortName = errors.New("modem: serial port name is required")
	errNilContext = errors.New("modem: context is nil")
)

// Dial opens the serial port with 8N1 framing unless Mode says otherwise.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errNoPortName
	}
	if ctx == nil {
		return nil, errNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("modem: open %s: %w", d.PortName, err)
	}
	return port, nil
}

func (d SerialDialer) String() string {
	return d.PortName
}
