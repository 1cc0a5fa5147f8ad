package transport

import (
	"fmt"
	"strings"
)

const userServer = "@s.whatsapp.net"

// NormalizeRecipient turns a phone number into a canonical chat address.
// Addresses that already contain '@' are returned unchanged. Local numbers
// starting with 0 are rewritten to the 62 country prefix.
func NormalizeRecipient(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "@") {
		if len(raw) < 5 {
			return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, raw)
		}
		return raw, nil
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 5 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, raw)
	}

	if strings.HasPrefix(digits, "0") {
		digits = "62" + digits[1:]
	} else if !strings.HasPrefix(digits, "62") && len(digits) <= 12 {
		digits = "62" + digits
	}

	return digits + userServer, nil
}

// PhoneOf strips the server and device suffix from an address,
// e.g. "628123:4@s.whatsapp.net" -> "628123".
func PhoneOf(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// IsBroadcastStyle reports whether the address is a group, list, or
// channel rather than a single registered user.
func IsBroadcastStyle(addr string) bool {
	for _, suffix := range []string{"@g.us", "@lid", "@broadcast", "@newsletter"} {
		if strings.HasSuffix(addr, suffix) {
			return true
		}
	}
	return false
}
