// Package identifier canonicalizes WhatsApp contact addresses into the single form used
// as the storage and join key.
package identifier

import "strings"

const (
	// IndividualSuffix marks a one-to-one chat; every canonical identifier ends with it.
	IndividualSuffix = "c.us"

	// NetworkSuffix is the raw network form of an individual address.
	NetworkSuffix = "s.whatsapp.net"

	GroupSuffix     = "g.us"
	BroadcastSuffix = "broadcast"
)

// Normalize returns the canonical identifier for raw, or false when raw is empty, has no
// digits, or does not address a one-to-one chat.
func Normalize(raw string) (string, bool) {
	number, suffix, _ := strings.Cut(strings.TrimSpace(raw), "@")
	suffix = strings.ToLower(strings.TrimSpace(suffix))

	switch suffix {
	case "", IndividualSuffix, NetworkSuffix:
	default:
		return "", false
	}

	// multi-device addresses carry the device after a colon: 5491112345678:12@s.whatsapp.net
	if suffix != "" {
		number, _, _ = strings.Cut(number, ":")
	}

	digits := onlyDigits(number)
	if digits == "" {
		return "", false
	}
	return digits + "@" + IndividualSuffix, true
}

// IsGroup reports whether raw addresses a group or broadcast list.
func IsGroup(raw string) bool {
	_, suffix, ok := strings.Cut(strings.TrimSpace(raw), "@")
	if !ok {
		return false
	}
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	return suffix == GroupSuffix || suffix == BroadcastSuffix
}

// Phone returns the digits of a canonical identifier.
func Phone(canonical string) string {
	number, _, _ := strings.Cut(canonical, "@")
	return number
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
