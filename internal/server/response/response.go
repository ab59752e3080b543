// Package response formats IMAP wire responses: tagged and untagged
// status lines, literal framing and the ENVELOPE structure.
package response

import (
	"fmt"
	"strings"
	"time"
)

// internalDateLayout is the INTERNALDATE format of RFC 9051. Month
// abbreviations are locale-invariant in Go's time package, which is
// exactly what the wire format requires.
const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

// Tagged renders a tagged status line, e.g. `a1 OK LOGIN completed`.
func Tagged(tag, status, text string) string {
	return fmt.Sprintf("%s %s %s", tag, status, text)
}

// Untagged renders an untagged line, e.g. `* 2 EXISTS`.
func Untagged(text string) string {
	return "* " + text
}

// Literal frames a payload with its length prefix: `{N}` CRLF bytes.
// The caller appends it to a response line and writes raw.
func Literal(payload []byte) string {
	return fmt.Sprintf("{%d}\r\n%s", len(payload), payload)
}

// InternalDate renders a timestamp as a quoted INTERNALDATE value.
func InternalDate(t time.Time) string {
	return fmt.Sprintf("\"%s\"", t.Format(internalDateLayout))
}

// Quote renders an IMAP quoted string with `\` and `"` escaped.
func Quote(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return "\"" + s + "\""
}

// QuoteOrNIL renders a quoted string, or the literal NIL when empty.
func QuoteOrNIL(s string) string {
	if s == "" {
		return "NIL"
	}
	return Quote(s)
}
