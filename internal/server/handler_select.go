package server

import (
	"fmt"
	"strings"

	"relay/internal/models"
	"relay/internal/server/parser"
)

// handleSelect serves both SELECT and EXAMINE; only INBOX exists.
func (c *Conn) handleSelect(cmd *parser.Command) {
	if len(cmd.Args) < 1 {
		c.tagged(cmd.Tag, "BAD", cmd.Name+" requires a mailbox name")
		return
	}
	if !strings.EqualFold(cmd.Args[0], "INBOX") {
		c.tagged(cmd.Tag, "NO", "Mailbox does not exist")
		return
	}

	view, err := c.loadView()
	if err != nil {
		c.storeError(cmd.Tag, "select", err)
		return
	}

	s := c.session
	s.SelectedMailbox = "INBOX"
	s.ReadOnly = cmd.Name == "EXAMINE"
	s.View = view
	s.DeletedUIDs = make(map[uint32]bool)
	s.UIDValidity = uidValidity(s.UserID)
	s.State = models.StateSelected

	c.untagged(fmt.Sprintf("FLAGS (%s)", models.FlagList()))
	c.untagged(fmt.Sprintf("OK [PERMANENTFLAGS (%s \\*)] Permanent flags", models.FlagList()))
	c.untagged(fmt.Sprintf("%d EXISTS", view.MaxSeq()))
	c.untagged(fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid", s.UIDValidity))
	c.untagged(fmt.Sprintf("OK [UIDNEXT %d] Predicted next UID", view.UIDNext()))

	access := "[READ-WRITE]"
	if s.ReadOnly {
		access = "[READ-ONLY]"
	}
	c.tagged(cmd.Tag, "OK", fmt.Sprintf("%s %s completed", access, cmd.Name))
}

// handleList reports the single flat mailbox.
func (c *Conn) handleList(cmd *parser.Command) {
	c.untagged(`LIST (\HasNoChildren) "/" "INBOX"`)
	c.tagged(cmd.Tag, "OK", "LIST completed")
}

// handleStatus reports requested counters for INBOX without selecting.
// Unknown items are ignored.
func (c *Conn) handleStatus(cmd *parser.Command) {
	if len(cmd.Args) < 1 {
		c.tagged(cmd.Tag, "BAD", "STATUS requires a mailbox name")
		return
	}
	if !strings.EqualFold(cmd.Args[0], "INBOX") {
		c.tagged(cmd.Tag, "NO", "Mailbox does not exist")
		return
	}

	status, err := c.srv.store.Status(c.ctx, c.session.UserID)
	if err != nil {
		c.storeError(cmd.Tag, "status", err)
		return
	}

	_, itemsRaw := parser.FirstArgRest(cmd.RawArgs)
	itemsRaw = strings.Trim(itemsRaw, "()")

	var parts []string
	for _, item := range strings.Fields(strings.ToUpper(itemsRaw)) {
		switch item {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", status.Messages))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", status.Unseen))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", status.MaxUID+1))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", uidValidity(c.session.UserID)))
		}
	}

	c.untagged(fmt.Sprintf("STATUS INBOX (%s)", strings.Join(parts, " ")))
	c.tagged(cmd.Tag, "OK", "STATUS completed")
}

// handleClose applies pending deletions without EXPUNGE responses and
// returns to Authenticated. A read-only selection closes silently.
func (c *Conn) handleClose(cmd *parser.Command) {
	if !c.session.ReadOnly {
		if err := c.applyPendingDeletions(false); err != nil {
			c.storeError(cmd.Tag, "expunge", err)
			return
		}
	}
	c.session.DropSelection()
	c.tagged(cmd.Tag, "OK", "CLOSE completed")
}

// handleUnselect drops the selection without touching pending
// deletions.
func (c *Conn) handleUnselect(cmd *parser.Command) {
	c.session.DropSelection()
	c.tagged(cmd.Tag, "OK", "UNSELECT completed")
}
