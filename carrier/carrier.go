// Package carrier maps a SIM's IMSI to the name of its network operator.
package carrier

import (
	"bufio"
	"errors"
	"strings"
)

// Unknown is reported for IMSIs whose MCC-MNC is not in the table.
const Unknown = "UNKNOWN"

// prefixLen is the length of the MCC-MNC prefix used for lookup.
const prefixLen = 5

var ErrNoIMSI = errors.New("no IMSI in response")

var operators = map[string]string{
	"46000": "中国移动",
	"46002": "中国移动",
	"46007": "中国移动",
	"46008": "中国移动",
	"46001": "中国联通",
	"46006": "中国联通",
	"46009": "中国联通",
	"46010": "中国联通",
	"46003": "中国电信",
	"46005": "中国电信",
	"46011": "中国电信",
	"46012": "中国电信",
	"46015": "中国广电",
	"23410": "Giffgaff",
	"53005": "Skinny",
}

// ParseIMSI extracts the IMSI from an AT+CIMI response, i.e. the first line
// made only of digits.
func ParseIMSI(resp string) (string, error) {
	s := bufio.NewScanner(strings.NewReader(resp))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" && isDigits(line) {
			return line, nil
		}
	}
	return "", ErrNoIMSI
}

// Lookup returns the operator for imsi. ok is false, and name is Unknown,
// when the IMSI is too short or its prefix is not known.
func Lookup(imsi string) (name string, ok bool) {
	if len(imsi) < prefixLen {
		return Unknown, false
	}
	name, ok = operators[imsi[:prefixLen]]
	if !ok {
		return Unknown, false
	}
	return name, true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
