// Package sms holds the decoded message type shared by the modem and the
// delivery path, and the bounded queue between them.
package sms

import (
	"encoding/json"
	"unicode/utf8"
)

// Field bounds, in bytes of UTF-8 text.
const (
	MaxSenderLen  = 31
	MaxContentLen = 2047
)

// UnknownSender is substituted for a sender that could not be extracted.
const UnknownSender = "UNKNOWN"

// Message is a decoded incoming SMS. The zero value is an empty message.
// Fields are fixed at construction; copies never share mutable state.
type Message struct {
	sender  string
	content string
}

// NewMessage builds a Message, truncating each field to its bound on a rune
// boundary.
func NewMessage(sender, content string) Message {
	return Message{
		sender:  Truncate(sender, MaxSenderLen),
		content: Truncate(content, MaxContentLen),
	}
}

func (m Message) Sender() string  { return m.sender }
func (m Message) Content() string { return m.content }

type record struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// MarshalJSON encodes m as {"sender":...,"content":...}.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{Sender: m.sender, Content: m.content})
}

// UnmarshalJSON decodes the form written by MarshalJSON, enforcing bounds.
func (m *Message) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*m = NewMessage(r.Sender, r.Content)
	return nil
}

// Truncate shortens s to at most limit bytes without splitting a UTF-8
// sequence. Bytes that are not valid UTF-8 are treated as single runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
