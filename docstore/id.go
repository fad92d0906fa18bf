package docstore

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// TimestampLayout renders the seconds part of an id timestamp; the
	// microseconds follow as six zero-padded digits.
	TimestampLayout = "20060102150405"
	// TimestampWidth is the width of a rendered id timestamp.
	TimestampWidth = len(TimestampLayout) + 6
	// IDWidth is the fixed width of every document id.
	IDWidth = TimestampWidth + 4*3 + 5
)

// FormatTimestamp renders t in UTC as YYYYMMDDHHMMSSffffff.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	return t.Format(TimestampLayout) + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}

// ParseTimestamp parses a YYYYMMDDHHMMSSffffff token as UTC.
func ParseTimestamp(token string) (time.Time, error) {
	if len(token) != TimestampWidth {
		return time.Time{}, fmt.Errorf("timestamp %q: expected %d digits", token, TimestampWidth)
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("timestamp %q: non-digit %q", token, r)
		}
	}
	t, err := time.ParseInLocation(TimestampLayout, token[:len(TimestampLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", token, err)
	}
	micros, err := strconv.Atoi(token[len(TimestampLayout):])
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q microseconds: %w", token, err)
	}
	return t.Add(time.Duration(micros) * time.Microsecond), nil
}

// DeriveID combines the earliest timestamp of a document with the address it
// originated from. One origin cannot produce two documents in the same
// microsecond, which keeps ids unique.
func DeriveID(ts time.Time, host string, port int) (string, error) {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", fmt.Errorf("%w: origin host %q is not IPv4", ErrInvalidID, host)
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("%w: origin port %d out of range", ErrInvalidID, port)
	}

	var b strings.Builder
	b.Grow(IDWidth)
	b.WriteString(FormatTimestamp(ts))
	for _, octet := range ip {
		fmt.Fprintf(&b, "%03d", octet)
	}
	fmt.Fprintf(&b, "%05d", port)
	return b.String(), nil
}

// ValidateID checks an explicitly supplied id against the derived format.
func ValidateID(id string) error {
	if len(id) != IDWidth {
		return fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidID, id, len(id), IDWidth)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q contains non-digit %q", ErrInvalidID, id, r)
		}
	}
	return nil
}
