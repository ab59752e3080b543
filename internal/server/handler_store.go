package server

import (
	"fmt"
	"strings"

	"relay/internal/models"
	"relay/internal/server/parser"
)

func (c *Conn) handleStore(cmd *parser.Command) {
	c.doStore(cmd, false)
}

// doStore serves STORE and UID STORE. The flag value is scanned for the
// five known tokens anywhere in the remaining raw argument; order and
// case do not matter.
func (c *Conn) doStore(cmd *parser.Command, uidMode bool) {
	if c.session.ReadOnly {
		c.tagged(cmd.Tag, "NO", "Mailbox is read-only")
		return
	}

	seqRaw, rest := parser.FirstArgRest(cmd.RawArgs)
	itemRaw, valueRaw := parser.FirstArgRest(rest)
	if seqRaw == "" || itemRaw == "" {
		c.tagged(cmd.Tag, "BAD", "STORE requires a sequence set, data item and value")
		return
	}

	item := strings.ToUpper(itemRaw)
	silent := strings.HasSuffix(item, ".SILENT")
	item = strings.TrimSuffix(item, ".SILENT")
	if item != "FLAGS" && item != "+FLAGS" && item != "-FLAGS" {
		c.tagged(cmd.Tag, "BAD", "Invalid STORE data item")
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

	value := models.ParseFlags(valueRaw)

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

		var newFlags models.Flag
		switch item {
		case "FLAGS":
			newFlags = value
		case "+FLAGS":
			newFlags = h.Flags | value
		case "-FLAGS":
			newFlags = h.Flags &^ value
		}

		if newFlags.Has(models.FlagDeleted) {
			if !c.session.DeletedUIDs[h.UID] {
				if len(c.session.DeletedUIDs) >= models.MaxDeletedUIDs {
					c.tagged(cmd.Tag, "NO", "Maximum deleted messages limit reached")
					return
				}
				c.session.DeletedUIDs[h.UID] = true
			}
		} else {
			delete(c.session.DeletedUIDs, h.UID)
		}

		seenChanged := (h.Flags^newFlags)&models.FlagSeen != 0
		h.Flags = newFlags

		if err := c.srv.store.SetFlags(c.ctx, c.session.UserID, h.EmailID, newFlags); err != nil {
			c.storeError(cmd.Tag, "store", err)
			return
		}
		if seenChanged {
			c.notifyRead(h.EmailID, newFlags.Has(models.FlagSeen))
		}

		if !silent {
			if uidMode {
				c.untagged(fmt.Sprintf("%d FETCH (UID %d FLAGS (%s))", h.SeqNum, h.UID, newFlags.String()))
			} else {
				c.untagged(fmt.Sprintf("%d FETCH (FLAGS (%s))", h.SeqNum, newFlags.String()))
			}
		}
	}

	completed := "STORE completed"
	if uidMode {
		completed = "UID STORE completed"
	}
	c.tagged(cmd.Tag, "OK", completed)
}
