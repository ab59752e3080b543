package response

import (
	"fmt"
	"strings"
	"time"

	"relay/internal/models"
)

// BuildEnvelope renders the RFC 9051 ENVELOPE structure for a stored
// email: (date subject from sender reply-to to cc bcc in-reply-to
// message-id). Sender and reply-to default to the from list; missing
// fields are NIL.
func BuildEnvelope(e *models.Email) string {
	from := addressList([]addressEntry{{name: e.FromName, address: e.FromAddress}})
	to := recipientList(e.Recipients, models.RecipientTo)
	cc := recipientList(e.Recipients, models.RecipientCc)
	bcc := recipientList(e.Recipients, models.RecipientBcc)

	return fmt.Sprintf("ENVELOPE (%s %s %s %s %s %s %s %s %s %s)",
		QuoteOrNIL(e.ReceivedAt.Format(time.RFC1123Z)),
		QuoteOrNIL(e.Subject),
		from,
		from, // sender
		from, // reply-to
		to,
		cc,
		bcc,
		QuoteOrNIL(e.InReplyTo),
		QuoteOrNIL(e.MessageID),
	)
}

type addressEntry struct {
	name    string
	address string
}

// addressList renders a parenthesized list of RFC 9051 addresses, each
// in (personal at-domain-list mailbox host) form. An empty list is NIL.
func addressList(entries []addressEntry) string {
	if len(entries) == 0 {
		return "NIL"
	}
	var b strings.Builder
	b.WriteString("(")
	for _, e := range entries {
		mailbox, host := splitAddress(e.address)
		fmt.Fprintf(&b, "(%s NIL %s %s)",
			QuoteOrNIL(e.name), QuoteOrNIL(mailbox), QuoteOrNIL(host))
	}
	b.WriteString(")")
	return b.String()
}

func recipientList(recipients []models.Recipient, typ models.RecipientType) string {
	var entries []addressEntry
	for _, r := range recipients {
		if r.Type == typ {
			entries = append(entries, addressEntry{name: r.DisplayName, address: r.Address})
		}
	}
	return addressList(entries)
}

func splitAddress(address string) (mailbox, host string) {
	if idx := strings.LastIndex(address, "@"); idx != -1 {
		return address[:idx], address[idx+1:]
	}
	return address, ""
}
