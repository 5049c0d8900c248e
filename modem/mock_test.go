package modem_test

import (
	"strings"

	"i4.energy/across/smsbridge/modem"
)

// ScriptBuilder scripts the modem side of a TestTransport. Each command
// answers with its queued replies in order; the last reply repeats.
// Unscripted commands answer ERROR.
type ScriptBuilder struct {
	replies map[string][]string
}

func NewScript() *ScriptBuilder {
	return &ScriptBuilder{replies: map[string][]string{}}
}

func (b *ScriptBuilder) On(cmd string, replies ...string) *ScriptBuilder {
	b.replies[cmd] = append(b.replies[cmd], replies...)
	return b
}

func (b *ScriptBuilder) AT() *ScriptBuilder {
	return b.On("AT", "AT\r\r\nOK\r\n")
}

func (b *ScriptBuilder) EchoOff() *ScriptBuilder {
	return b.On("ATE0", "ATE0\r\r\nOK\r\n")
}

func (b *ScriptBuilder) SimReady() *ScriptBuilder {
	return b.On("AT+CPIN?", "\r\n+CPIN: READY\r\n\r\nOK\r\n")
}

func (b *ScriptBuilder) SimPinRequired() *ScriptBuilder {
	return b.On("AT+CPIN?", "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n")
}

func (b *ScriptBuilder) TextMode() *ScriptBuilder {
	return b.On("AT+CMGF=1", "\r\nOK\r\n")
}

func (b *ScriptBuilder) CharsetUCS2() *ScriptBuilder {
	return b.On(`AT+CSCS="UCS2"`, "\r\nOK\r\n")
}

func (b *ScriptBuilder) DirectDelivery() *ScriptBuilder {
	return b.On("AT+CNMI=2,2,0,0,0", "\r\nOK\r\n")
}

func (b *ScriptBuilder) IMSI(imsi string) *ScriptBuilder {
	return b.On("AT+CIMI", "\r\n"+imsi+"\r\n\r\nOK\r\n")
}

// Bringup scripts a modem that passes Init with the given IMSI.
func (b *ScriptBuilder) Bringup(imsi string) *ScriptBuilder {
	return b.AT().EchoOff().SimReady().TextMode().CharsetUCS2().DirectDelivery().IMSI(imsi)
}

// Attach installs the script on t.
func (b *ScriptBuilder) Attach(t *modem.TestTransport) {
	t.Respond(func(written string) string {
		cmd := strings.TrimSuffix(written, "\r\n")
		replies := b.replies[cmd]
		switch len(replies) {
		case 0:
			return "\r\nERROR\r\n"
		case 1:
			return replies[0]
		default:
			b.replies[cmd] = replies[1:]
			return replies[0]
		}
	})
}
