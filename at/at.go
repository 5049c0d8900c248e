package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcMessage = "+CMT:"

	// SIM states reported by AT+CPIN?
	SimReady = "+CPIN: READY"
	SimPin   = "+CPIN: SIM PIN"
)

// Commands issued during modem bring-up, in the order they are sent.
const (
	CmdAt          = "AT"
	CmdEchoOff     = "ATE0"
	CmdSimStatus   = "AT+CPIN?"
	CmdSetTextMode = "AT+CMGF=1"
	CmdCharsetUCS2 = `AT+CSCS="UCS2"`
	// Route new messages straight to the terminal as +CMT, nothing is stored
	// on the SIM.
	CmdDirectDelivery = "AT+CNMI=2,2,0,0,0"
	CmdIMSI           = "AT+CIMI"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)

// Outcome is the completion state of a command exchange as observed in the
// receive buffer.
type Outcome int

const (
	Pending Outcome = iota
	Success
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "pending"
	}
}
