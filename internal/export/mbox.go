package export

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// mboxDateLayout is the traditional asctime-style envelope date.
const mboxDateLayout = "Mon Jan 02 15:04:05 2006"

// WriteMBOX appends one message to an mbox stream: a `From ` envelope
// line, the message with body From-lines escaped, and a blank-line
// terminator.
func WriteMBOX(w io.Writer, fromAddress string, date time.Time, msg []byte) error {
	if _, err := fmt.Fprintf(w, "From %s %s\n", fromAddress, date.Format(mboxDateLayout)); err != nil {
		return err
	}

	body := strings.ReplaceAll(string(msg), "\r\n", "\n")
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "From ") {
			lines[i] = ">" + line
		}
	}
	if _, err := io.WriteString(w, strings.Join(lines, "\n")); err != nil {
		return err
	}

	// Two newlines separate messages; the message itself may or may not
	// end with one.
	terminator := "\n\n"
	if strings.HasSuffix(body, "\n") {
		terminator = "\n"
	}
	_, err := io.WriteString(w, terminator)
	return err
}
