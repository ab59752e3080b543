// Package export reconstructs stored emails as RFC 5322 MIME messages for
// BODY[]/RFC822 retrieval and mailbox exports.
package export

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"relay/internal/models"
)

// base64LineLength is the wrap width for encoded attachment bodies.
const base64LineLength = 76

// BuildMessage serializes a stored email byte-exactly for the given
// reader. Bcc recipients are included only when the reader is the sender;
// they are never leaked to other recipients.
func BuildMessage(e *models.Email, forUserID string) []byte {
	var b strings.Builder

	isSender := e.SentByUserID != nil && forUserID != "" && *e.SentByUserID == forUserID

	writeHeader(&b, "Message-ID", angleBracket(e.MessageID))
	writeHeader(&b, "From", formatAddress(e.FromName, e.FromAddress))
	for _, typ := range []models.RecipientType{models.RecipientTo, models.RecipientCc, models.RecipientBcc} {
		if typ == models.RecipientBcc && !isSender {
			continue
		}
		if list := addressList(e.Recipients, typ); list != "" {
			writeHeader(&b, headerName(typ), list)
		}
	}
	writeHeader(&b, "Subject", e.Subject)
	writeHeader(&b, "Date", e.ReceivedAt.Format(time.RFC1123Z))
	if e.InReplyTo != "" {
		writeHeader(&b, "In-Reply-To", angleBracket(e.InReplyTo))
	}
	if e.References != "" {
		writeHeader(&b, "References", e.References)
	}
	b.WriteString("MIME-Version: 1.0\r\n")

	writeContent(&b, e)
	return []byte(b.String())
}

// BuildHeader serializes only the header section, including the blank
// separator line, for BODY[HEADER] retrieval.
func BuildHeader(e *models.Email, forUserID string) []byte {
	msg := BuildMessage(e, forUserID)
	if idx := strings.Index(string(msg), "\r\n\r\n"); idx != -1 {
		return msg[:idx+4]
	}
	return msg
}

// writeContent emits the Content-Type header(s) and body. Both text and
// html present gives multipart/alternative; attachments wrap the body in
// multipart/mixed.
func writeContent(b *strings.Builder, e *models.Email) {
	if len(e.Attachments) > 0 {
		mixed := boundary(e.MessageID, "mixed")
		fmt.Fprintf(b, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", mixed)

		fmt.Fprintf(b, "--%s\r\n", mixed)
		writeBodyPart(b, e)
		for i := range e.Attachments {
			a := &e.Attachments[i]
			fmt.Fprintf(b, "--%s\r\n", mixed)
			fmt.Fprintf(b, "Content-Type: %s\r\n", a.ContentType)
			fmt.Fprintf(b, "Content-Disposition: attachment; filename=\"%s\"\r\n", a.Filename)
			b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
			writeBase64(b, a.Content)
		}
		fmt.Fprintf(b, "--%s--\r\n", mixed)
		return
	}

	writeBodyPart(b, e)
}

// writeBodyPart emits the text/html body with its own Content-Type.
func writeBodyPart(b *strings.Builder, e *models.Email) {
	hasText := e.TextBody != ""
	hasHTML := e.HTMLBody != ""

	switch {
	case hasText && hasHTML:
		alt := boundary(e.MessageID, "alt")
		fmt.Fprintf(b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", alt)
		fmt.Fprintf(b, "--%s\r\n", alt)
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		writeBody(b, e.TextBody)
		fmt.Fprintf(b, "--%s\r\n", alt)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		writeBody(b, e.HTMLBody)
		fmt.Fprintf(b, "--%s--\r\n", alt)
	case hasHTML:
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		writeBody(b, e.HTMLBody)
	default:
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		writeBody(b, e.TextBody)
	}
}

// writeBody normalizes line endings to CRLF and guarantees a trailing
// line break.
func writeBody(b *strings.Builder, body string) {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\r\n") {
		b.WriteString("\r\n")
	}
}

func writeBase64(b *strings.Builder, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > base64LineLength {
		b.WriteString(encoded[:base64LineLength])
		b.WriteString("\r\n")
		encoded = encoded[base64LineLength:]
	}
	b.WriteString(encoded)
	b.WriteString("\r\n")
}

func writeHeader(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "%s: %s\r\n", name, value)
}

func headerName(typ models.RecipientType) string {
	switch typ {
	case models.RecipientTo:
		return "To"
	case models.RecipientCc:
		return "Cc"
	default:
		return "Bcc"
	}
}

// formatAddress renders `"Display Name" <address>`, or the bare address
// when no display name is stored.
func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("\"%s\" <%s>", strings.ReplaceAll(name, "\"", ""), address)
}

func addressList(recipients []models.Recipient, typ models.RecipientType) string {
	var parts []string
	for _, r := range recipients {
		if r.Type == typ {
			parts = append(parts, formatAddress(r.DisplayName, r.Address))
		}
	}
	return strings.Join(parts, ", ")
}

// angleBracket ensures a message-id is wrapped in <> exactly once.
func angleBracket(id string) string {
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

// boundary derives a deterministic MIME boundary from the message id so
// repeated reconstructions are byte-identical.
func boundary(messageID, kind string) string {
	sum := sha256.Sum256([]byte(messageID + ":" + kind))
	return fmt.Sprintf("=_%x", sum[:12])
}
