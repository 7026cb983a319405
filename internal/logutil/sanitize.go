// Package logutil holds helpers for writing user-controlled values to logs.
package logutil

import "strings"

// maxLogValue bounds how much of a single user-controlled value ends up in a
// log line. Pasted commands and deep paths can be arbitrarily long.
const maxLogValue = 256

// SanitizeForLog flattens newlines and tabs to spaces and drops the remaining
// control characters so a remote path or a typed command cannot forge extra
// log lines. Values longer than maxLogValue bytes are cut and marked with "...".
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogValue+3))
	for _, r := range s {
		if b.Len() >= maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
