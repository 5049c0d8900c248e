package ucs2_test

import (
	"encoding/hex"
	"strings"
	"testing"

	wucs2 "github.com/warthog618/sms/encoding/ucs2"

	"i4.energy/across/smsbridge/ucs2"
)

func TestDecodeHex(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		limit    int
		expected string
		complete bool
	}{
		{name: "ASCII pass-through", input: "00480065006C006C006F", limit: 2047, expected: "Hello", complete: true},
		{name: "Digits sender", input: "0031003200330034", limit: 31, expected: "1234", complete: true},
		{name: "Lower case digits", input: "006800690021", limit: 31, expected: "hi!", complete: true},
		{name: "Two byte form", input: "00E900FC", limit: 16, expected: "éü", complete: true},
		{name: "Three byte form", input: "4F60597D", limit: 16, expected: "你好", complete: true},
		{name: "Empty input", input: "", limit: 16, expected: "", complete: true},
		{name: "Invalid digit stops decoding", input: "00480065ZZ6C006C", limit: 16, expected: "He", complete: false},
		{name: "Trailing partial group ignored", input: "004100", limit: 16, expected: "A", complete: false},
		{name: "Destination exhausted", input: "4F60597D", limit: 4, expected: "你", complete: false},
		{name: "Exact fit", input: "4F60597D", limit: 6, expected: "你好", complete: true},
		{name: "Zero limit", input: "0041", limit: 0, expected: "", complete: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, complete := ucs2.DecodeHex(tt.input, tt.limit)
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
			if complete != tt.complete {
				t.Errorf("expected complete=%v, got %v", tt.complete, complete)
			}
			if len(got) > tt.limit {
				t.Errorf("output of %d bytes exceeds limit %d", len(got), tt.limit)
			}
		})
	}
}

func TestDecodeHexSurrogatesStayUnpaired(t *testing.T) {
	// U+1F600 as a UTF-16 pair.
	got, complete := ucs2.DecodeHex("D83DDE00", 16)
	if !complete {
		t.Fatal("expected complete decode")
	}
	expected := []byte{0xED, 0xA0, 0xBD, 0xED, 0xB8, 0x80}
	if got != string(expected) {
		t.Errorf("expected % X, got % X", expected, []byte(got))
	}
}

func TestDecodeHexMatchesReferenceEncoder(t *testing.T) {
	var sb strings.Builder
	for r := rune(0x20); r <= 0xFFFD; r += 53 {
		if r >= 0xD800 && r <= 0xDFFF {
			continue
		}
		sb.WriteRune(r)
	}
	text := sb.String()
	src := strings.ToUpper(hex.EncodeToString(wucs2.Encode([]rune(text))))

	got, complete := ucs2.DecodeHex(src, len(text))
	if !complete {
		t.Fatal("expected complete decode")
	}
	if got != text {
		t.Error("decoded text does not match the reference encoding")
	}

	raw, err := hex.DecodeString(src)
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	runes, err := wucs2.Decode(raw)
	if err != nil {
		t.Fatalf("reference decode: %v", err)
	}
	if string(runes) != got {
		t.Error("decoder disagrees with reference decoder")
	}
}

func TestDecodeHexTruncationIsPrefix(t *testing.T) {
	full, _ := ucs2.DecodeHex("4F60597D00410042", 64)
	for limit := 0; limit < len(full); limit++ {
		got, complete := ucs2.DecodeHex("4F60597D00410042", limit)
		if complete {
			t.Errorf("limit %d: expected incomplete decode", limit)
		}
		if !strings.HasPrefix(full, got) || len(got) >= len(full) {
			t.Errorf("limit %d: %q is not a strict prefix of %q", limit, got, full)
		}
	}
}

func TestAppendDecodeHex(t *testing.T) {
	dst := []byte("prefix:")
	out, complete := ucs2.AppendDecodeHex(dst, "00410042", 1)
	if complete {
		t.Error("expected incomplete decode")
	}
	if string(out) != "prefix:A" {
		t.Errorf("expected %q, got %q", "prefix:A", out)
	}
}

func TestIsHex(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"0031003200330034", true},
		{"4f60597d", true},
		{"", false},
		{"003", false},
		{"+8613800000000", false},
		{"Hello World!", false},
	}
	for _, tt := range tests {
		if got := ucs2.IsHex(tt.input); got != tt.expected {
			t.Errorf("IsHex(%q): expected %v, got %v", tt.input, tt.expected, got)
		}
	}
}
