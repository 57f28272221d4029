// Package sanitize strips log-injection vectors from user-originated
// strings before they reach logs or storage.
package sanitize

import "strings"

// Truncation limits for sanitized strings.
const (
	MaxMessageBytes = 10000
	MaxErrorBytes   = 5000
)

// String removes C0 control characters, DEL and line breaks, then
// truncates to limit bytes.
func String(s string, limit int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > limit {
		// Cut on a rune boundary.
		cut := limit
		for cut > 0 && !utf8Start(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// Message sanitizes a log message (10 000 byte cap).
func Message(s string) string { return String(s, MaxMessageBytes) }

// ErrorMessage sanitizes an error string (5 000 byte cap).
func ErrorMessage(s string) string { return String(s, MaxErrorBytes) }

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
