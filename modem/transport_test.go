package modem

import (
	"context"
	"errors"
	"testing"

	"go.bug.st/serial"
)

func TestSerialDialer_Dial(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		dialer  SerialDialer
		ctx     context.Context
		wantErr error
	}{
		{
			name:    "empty port name",
			dialer:  SerialDialer{},
			ctx:     context.Background(),
			wantErr: errNoPortName,
		},
		{
			name:    "nil context",
			dialer:  SerialDialer{PortName: "/dev/ttyUSB0"},
			ctx:     nil,
			wantErr: errNilContext,
		},
		{
			name:    "canceled context",
			dialer:  SerialDialer{PortName: "/dev/nonexistent"},
			ctx:     canceled,
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := tt.dialer.Dial(tt.ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got: %v", tt.wantErr, err)
			}
			if transport != nil {
				t.Error("expected nil transport")
			}
		})
	}
}

func TestSerialDialer_Dial_ErrorMessages(t *testing.T) {
	_, err := SerialDialer{}.Dial(context.Background())
	if err == nil || err.Error() != "modem: serial port name is required" {
		t.Errorf("unexpected error message: %v", err)
	}

	//nolint:staticcheck // nil context is the case under test
	_, err = SerialDialer{PortName: "/dev/ttyUSB0"}.Dial(nil)
	if err == nil || err.Error() != "modem: context is nil" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestSerialDialer_Dial_NonexistentPort(t *testing.T) {
	for _, dialer := range []SerialDialer{
		{PortName: "/dev/nonexistent"},
		{PortName: "/dev/nonexistent", BaudRate: 9600},
		{PortName: "/dev/nonexistent", Mode: &serial.Mode{
			BaudRate: 115200,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}},
	} {
		transport, err := dialer.Dial(context.Background())
		if err == nil {
			t.Errorf("expected error for non-existent port with %+v", dialer)
		}
		if transport != nil {
			t.Error("expected nil transport for non-existent port")
		}
	}
}

func TestTestTransport(t *testing.T) {
	tr := NewTestTransport()
	tr.Respond(func(written string) string {
		if written == "AT\r\n" {
			return "\r\nOK\r\n"
		}
		return ""
	})

	if _, err := tr.Write([]byte("AT\r\n")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	buf := make([]byte, 16)
	n, err := tr.Read(buf)
	if err != nil || string(buf[:n]) != "\r\nOK\r\n" {
		t.Errorf("unexpected read %q, %v", buf[:n], err)
	}

	tr.Close()
	if _, err := tr.Write([]byte("AT\r\n")); err == nil {
		t.Error("expected write error after close")
	}
	if got := tr.Written(); len(got) != 1 {
		t.Errorf("expected 1 recorded write, got %q", got)
	}
}
