package messaging

import (
	"fmt"
	"regexp"
	"strings"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// canonicalizePhone normalizes a phone-number recipient to E.164 form:
// spaces, dashes and parentheses are stripped, a missing leading + is added.
func canonicalizePhone(recipient string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(recipient))
	if cleaned == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	if !e164Pattern.MatchString(cleaned) {
		return "", fmt.Errorf("recipient %q is not a valid E.164 phone number", recipient)
	}
	return cleaned, nil
}
