package modem

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"i4.energy/across/smsbridge/at"
	"i4.energy/across/smsbridge/sms"
	"i4.energy/across/smsbridge/ucs2"
)

// errContentRejected marks a frame whose body is empty or longer than the
// content field can hold. Such frames produce no message.
var errContentRejected = errors.New("content empty or too long")

// Hex-encoded field limits: two hex digits per byte of the decoded field,
// counting its terminator.
const (
	maxSenderHexLen  = 2 * (sms.MaxSenderLen + 1)
	maxContentHexLen = 2 * (sms.MaxContentLen + 1)
)

// parseFrame turns one complete +CMT notification into a message.
//
//	+CMT: "<sender>",<other fields>\r\n<content>\r\n
//
// The sender is the text between the first pair of double quotes after the
// header. A missing, empty or oversized sender becomes sms.UnknownSender.
// Both fields are decoded from UCS2 hex when they look like it and used
// verbatim (truncated to fit) otherwise.
func parseFrame(frame []byte, logger *slog.Logger) (sms.Message, error) {
	headerEnd := bytes.Index(frame, []byte(at.CRLF))
	if headerEnd < 0 {
		return sms.Message{}, errContentRejected
	}
	header := frame[len(at.UrcMessage):headerEnd]
	body := bytes.TrimSuffix(frame[headerEnd+len(at.CRLF):], []byte(at.CRLF))

	sender := sms.UnknownSender
	if raw, ok := quoted(header); ok && len(raw) > 0 && len(raw) <= maxSenderHexLen {
		sender = decodeField(raw, sms.MaxSenderLen, "sender", logger)
	} else {
		logger.Warn("Sender missing or invalid, using placeholder", "header", string(header))
	}

	if len(body) == 0 || len(body) > maxContentHexLen {
		logger.Warn("Message content empty or too long", "length", len(body))
		return sms.Message{}, errContentRejected
	}
	content := decodeField(string(body), sms.MaxContentLen, "content", logger)

	return sms.NewMessage(sender, content), nil
}

func quoted(header []byte) (string, bool) {
	open := bytes.IndexByte(header, '"')
	if open < 0 {
		return "", false
	}
	n := bytes.IndexByte(header[open+1:], '"')
	if n < 0 {
		return "", false
	}
	return string(header[open+1 : open+1+n]), true
}

func decodeField(raw string, limit int, field string, logger *slog.Logger) string {
	if !ucs2.IsHex(raw) {
		logger.Debug("Field is not UCS2 hex, using raw text", "field", field)
		return sms.Truncate(raw, limit)
	}
	text, complete := ucs2.DecodeHex(raw, limit)
	if !complete {
		logger.Warn("Field decoded partially", "field", field, "decoded", text)
	}
	return text
}

// Listen waits for complete notification frames and puts each decoded
// message on q in arrival order. Frames are taken out of the receive buffer
// before q.Put is called, so a full queue never blocks the reader.
//
// Listen returns when ctx is done, the modem is closed or q.Put fails.
func (m *Modem) Listen(ctx context.Context, q *sms.Queue) error {
	if !m.listenRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.listenRunning.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrAlreadyClosed
		case <-m.rx.frames:
		}

		for _, frame := range m.rx.takeFrames() {
			msg, err := parseFrame(frame, m.logger)
			if err != nil {
				m.metrics.Rejected()
				continue
			}
			m.metrics.Received()
			m.logger.Info("SMS received", "sender", msg.Sender(), "length", len(msg.Content()))

			if err := q.Put(ctx, msg); err != nil {
				return err
			}
		}
	}
}
