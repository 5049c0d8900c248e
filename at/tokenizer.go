package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the SMS input prompt ("> ").
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is enabled,
// command echoes show up as ordinary data lines.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match SMS Prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}

	// Direct matches for final results
	switch line {
	case OK, ERROR:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, UrcMessage):
		return TypeURC
	default:
		return TypeData
	}
}

// Completion scans buf for the marker that ends a command exchange.
//
// Only complete lines are considered, so a final result code whose line
// terminator has not arrived yet is still Pending. A success marker anywhere
// in the buffer wins over a failure marker. The data prompt ("> ") counts as
// a failure outcome: nothing in the receive path sends message bodies.
func Completion(buf []byte) Outcome {
	if bytes.Contains(buf, []byte(OK+CRLF)) {
		return Success
	}
	if bytes.Contains(buf, []byte(Prompt)) {
		return Failure
	}

	rest := buf
	for len(rest) > 0 {
		advance, token, _ := Splitter(rest, false)
		if advance == 0 {
			break
		}
		rest = rest[advance:]
		line := string(token)
		if line != Prompt && Classify(line) == TypeFinal {
			return Failure
		}
	}
	return Pending
}

// FindFrame locates the first complete +CMT notification in buf.
//
// A frame is the header line followed by one body line; both terminators
// must be present, so a header whose body is still in flight is not
// reported. start is the offset of the header, end the offset just past the
// second terminator.
func FindFrame(buf []byte) (start, end int, ok bool) {
	start = bytes.Index(buf, []byte(UrcMessage))
	if start < 0 {
		return 0, 0, false
	}
	first := bytes.Index(buf[start:], []byte(CRLF))
	if first < 0 {
		return 0, 0, false
	}
	bodyStart := start + first + len(CRLF)
	second := bytes.Index(buf[bodyStart:], []byte(CRLF))
	if second < 0 {
		return 0, 0, false
	}
	return start, bodyStart + second + len(CRLF), true
}
