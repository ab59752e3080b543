package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"relay/internal/server/parser"
)

// ErrLineTooLong is returned when a line exceeds the framing bound
// before a line terminator arrives. The session must answer with BYE
// and close; resynchronizing mid-line is not attempted.
var ErrLineTooLong = errors.New("line too long")

// Framer reads CRLF-terminated lines from a connection with a hard
// length bound and writes UTF-8 responses without a byte-order mark.
// Every write ends with an explicit flush.
type Framer struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewFramer wraps a connection.
func NewFramer(conn net.Conn) *Framer {
	return &Framer{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// ReadLine reads one line, stripping the trailing CRLF or LF. A line
// exceeding the bound yields ErrLineTooLong without buffering the rest.
// A non-zero timeout arms a read deadline for this line only.
func (f *Framer) ReadLine(timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := f.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
	}

	buf := make([]byte, 0, 256)
	for {
		b, err := f.reader.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return trimCR(buf), nil
			}
			return "", err
		}
		if b == '\n' {
			return trimCR(buf), nil
		}
		buf = append(buf, b)
		if len(buf) > parser.MaxLineLength {
			return "", ErrLineTooLong
		}
	}
}

func trimCR(buf []byte) string {
	if n := len(buf); n > 0 && buf[n-1] == '\r' {
		buf = buf[:n-1]
	}
	return string(buf)
}

// WriteLine writes one CRLF-terminated line and flushes.
func (f *Framer) WriteLine(line string) error {
	if _, err := f.writer.WriteString(line); err != nil {
		return err
	}
	if _, err := f.writer.WriteString("\r\n"); err != nil {
		return err
	}
	return f.writer.Flush()
}

// WriteRaw writes bytes verbatim and flushes. Used for responses that
// carry literals, where the payload already embeds its own framing.
func (f *Framer) WriteRaw(data []byte) error {
	if _, err := f.writer.Write(data); err != nil {
		return err
	}
	return f.writer.Flush()
}

// Bye sends a best-effort `* BYE` before close. Broken pipes are
// swallowed; the session is ending either way.
func (f *Framer) Bye(text string) {
	_ = f.WriteLine("* BYE " + text)
}
