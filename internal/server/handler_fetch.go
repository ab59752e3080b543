package server

import (
	"bytes"
	"fmt"
	"strings"

	"relay/internal/export"
	"relay/internal/models"
	"relay/internal/server/parser"
	"relay/internal/server/response"
)

// fetchItems is the decoded FETCH item list. Assembly evaluates the
// variants in a fixed order regardless of request order.
type fetchItems struct {
	uid          bool
	flags        bool
	internalDate bool
	size         bool
	envelope     bool
	body         bool
	bodyPeek     bool
	header       bool
	headerPeek   bool
}

// wantsBody reports whether the full message must be reconstructed.
func (fi fetchItems) wantsBody() bool {
	return fi.body || fi.bodyPeek || fi.header || fi.headerPeek
}

// marksSeen reports whether a non-PEEK body item was requested.
func (fi fetchItems) marksSeen() bool {
	return fi.body || fi.header
}

// parseFetchItems decodes the raw item list. Macros expand to their
// RFC 9051 item sets; unknown items are ignored.
func parseFetchItems(raw string) fetchItems {
	var fi fetchItems
	raw = strings.Trim(strings.TrimSpace(raw), "()")

	for _, token := range strings.Fields(strings.ToUpper(raw)) {
		switch token {
		case "ALL", "FULL":
			fi.flags, fi.internalDate, fi.size, fi.envelope = true, true, true, true
		case "FAST":
			fi.flags, fi.internalDate, fi.size = true, true, true
		case "UID":
			fi.uid = true
		case "FLAGS":
			fi.flags = true
		case "INTERNALDATE":
			fi.internalDate = true
		case "RFC822.SIZE":
			fi.size = true
		case "ENVELOPE":
			fi.envelope = true
		case "BODY[]", "RFC822":
			fi.body = true
		case "BODY.PEEK[]":
			fi.bodyPeek = true
		case "BODY[HEADER]":
			fi.header = true
		case "BODY.PEEK[HEADER]":
			fi.headerPeek = true
		}
	}
	return fi
}

func (c *Conn) handleFetch(cmd *parser.Command) {
	c.doFetch(cmd, false)
}

// doFetch serves FETCH and UID FETCH. Each resolved message produces
// one `* <seq> FETCH (...)` line; body items are literal-framed.
func (c *Conn) doFetch(cmd *parser.Command, uidMode bool) {
	seqRaw, itemsRaw := parser.FirstArgRest(cmd.RawArgs)
	if seqRaw == "" || itemsRaw == "" {
		c.tagged(cmd.Tag, "BAD", "FETCH requires a sequence set and items")
		return
	}

	view := c.session.View
	max := uint32(view.MaxSeq())
	if uidMode {
		max = view.MaxUID()
	}
	nums, err := parser.ParseSequenceSet(seqRaw, max)
	if err != nil {
		c.tagged(cmd.Tag, "BAD", err.Error())
		return
	}

	items := parseFetchItems(itemsRaw)
	if uidMode {
		items.uid = true
	}

	for _, n := range nums {
		var h *models.MessageHandle
		if uidMode {
			h = view.ByUID(n)
		} else {
			h = view.BySeq(int(n))
		}
		if h == nil {
			continue
		}
		if err := c.fetchOne(h, items); err != nil {
			c.storeError(cmd.Tag, "fetch", err)
			return
		}
	}

	completed := "FETCH completed"
	if uidMode {
		completed = "UID FETCH completed"
	}
	c.tagged(cmd.Tag, "OK", completed)
}

// fetchOne assembles and writes the response line for one message.
func (c *Conn) fetchOne(h *models.MessageHandle, items fetchItems) error {
	var email *models.Email
	var msg []byte
	if items.wantsBody() {
		var err error
		email, err = c.srv.store.GetEmail(c.ctx, c.session.UserID, h.EmailID)
		if err != nil {
			return err
		}
		msg = export.BuildMessage(email, c.session.UserID)

		// A non-PEEK body fetch marks the message seen, persisted, unless
		// the selection is read-only.
		if items.marksSeen() && !c.session.ReadOnly && !h.Flags.Has(models.FlagSeen) {
			h.Flags |= models.FlagSeen
			if err := c.srv.store.SetFlags(c.ctx, c.session.UserID, h.EmailID, h.Flags); err != nil {
				return err
			}
			c.notifyRead(h.EmailID, true)
		}
	} else if items.envelope {
		var err error
		email, err = c.srv.store.GetEmail(c.ctx, c.session.UserID, h.EmailID)
		if err != nil {
			return err
		}
	}

	var parts []string
	if items.uid {
		parts = append(parts, fmt.Sprintf("UID %d", h.UID))
	}
	if items.flags {
		parts = append(parts, fmt.Sprintf("FLAGS (%s)", h.Flags.String()))
	}
	if items.internalDate {
		parts = append(parts, "INTERNALDATE "+response.InternalDate(h.InternalDate))
	}
	if items.size {
		parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", h.SizeBytes))
	}
	if items.envelope {
		parts = append(parts, response.BuildEnvelope(email))
	}
	if items.header || items.headerPeek {
		header := export.BuildHeader(email, c.session.UserID)
		parts = append(parts, "BODY[HEADER] "+response.Literal(header))
	}
	if items.body || items.bodyPeek {
		parts = append(parts, "BODY[] "+response.Literal(msg))
	}

	c.srv.metrics.MessageFetched(h.SizeBytes)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "* %d FETCH (%s)\r\n", h.SeqNum, strings.Join(parts, " "))
	return c.framer.WriteRaw(buf.Bytes())
}

// notifyRead publishes a read-state change and the new unread total.
func (c *Conn) notifyRead(emailID int64, isRead bool) {
	if c.srv.bus == nil {
		return
	}
	c.srv.bus.PublishEmailUpdated(c.session.UserID, emailID, isRead)
	if count, err := c.srv.store.UnreadCount(c.ctx, c.session.UserID); err == nil {
		c.srv.bus.PublishUnreadCount(c.session.UserID, count)
	}
}
