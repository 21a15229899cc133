// Package logutil cleans user-controlled strings before they reach the log.
package logutil

import (
	"strconv"
	"strings"
)

// maxLoggedLen bounds how much of a single user value is logged.
const maxLoggedLen = 256

// SanitizeForLog flattens newlines and tabs to spaces and drops other control
// characters so a remote path or profile name cannot forge log lines.
// Long values are truncated.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLoggedLen))
	n := 0
	for _, r := range s {
		if n >= maxLoggedLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

// EscapeControl renders terminal input for debug logs: control bytes become
// visible escapes ("\r", "\n", "\x1b") instead of being dropped.
func EscapeControl(data []byte) string {
	q := strconv.QuoteToASCII(string(data))
	q = q[1 : len(q)-1]
	if len(q) > maxLoggedLen {
		q = q[:maxLoggedLen] + "..."
	}
	return q
}
