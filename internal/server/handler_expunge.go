package server

import (
	"fmt"
	"strings"

	"relay/internal/models"
	"relay/internal/server/parser"
)

// handleExpunge permanently removes messages marked \Deleted in this
// session.
func (c *Conn) handleExpunge(cmd *parser.Command) {
	if c.session.ReadOnly {
		c.tagged(cmd.Tag, "NO", "Mailbox is read-only")
		return
	}
	if err := c.applyPendingDeletions(true); err != nil {
		c.storeError(cmd.Tag, "expunge", err)
		return
	}
	c.tagged(cmd.Tag, "OK", "EXPUNGE completed")
}

// applyPendingDeletions deletes all messages whose UID is in the
// session's pending set, in one store batch. EXPUNGE responses are
// emitted in descending sequence order when announce is set; CLOSE and
// LOGOUT apply the same path silently. The view is renumbered densely
// afterwards.
func (c *Conn) applyPendingDeletions(announce bool) error {
	s := c.session
	if s.View == nil || len(s.DeletedUIDs) == 0 {
		s.DeletedUIDs = make(map[uint32]bool)
		return nil
	}

	// Descending sequence order, so earlier EXPUNGE responses do not
	// shift the sequence numbers of the ones still to come.
	var doomed []*models.MessageHandle
	for i := len(s.View.Messages) - 1; i >= 0; i-- {
		h := s.View.Messages[i]
		if s.DeletedUIDs[h.UID] {
			doomed = append(doomed, h)
		}
	}
	ids := make([]int64, 0, len(doomed))
	for _, h := range doomed {
		ids = append(ids, h.EmailID)
	}

	deletedIDs, err := c.srv.store.ApplyDeletions(c.ctx, s.UserID, ids)
	if err != nil {
		return err
	}
	deleted := make(map[int64]bool, len(deletedIDs))
	for _, id := range deletedIDs {
		deleted[id] = true
	}

	count := 0
	for _, h := range doomed {
		if !deleted[h.EmailID] {
			continue
		}
		if announce {
			c.untagged(fmt.Sprintf("%d EXPUNGE", h.SeqNum))
		}
		s.View.Remove(h.UID)
		count++
		if c.srv.bus != nil {
			c.srv.bus.PublishEmailDeleted(s.UserID, h.EmailID)
		}
	}
	s.View.Renumber()
	s.DeletedUIDs = make(map[uint32]bool)
	c.srv.metrics.MessagesExpunged(count)

	if c.srv.bus != nil && count > 0 {
		if unread, err := c.srv.store.UnreadCount(c.ctx, s.UserID); err == nil {
			c.srv.bus.PublishUnreadCount(s.UserID, unread)
		}
	}
	return nil
}

// handleUID dispatches the UID variants of FETCH, STORE and SEARCH.
func (c *Conn) handleUID(cmd *parser.Command) {
	if len(cmd.Args) < 1 {
		c.tagged(cmd.Tag, "BAD", "UID requires a subcommand")
		return
	}

	_, rest := parser.FirstArgRest(cmd.RawArgs)
	sub := &parser.Command{
		Tag:     cmd.Tag,
		Name:    strings.ToUpper(cmd.Args[0]),
		RawArgs: rest,
		Args:    cmd.Args[1:],
	}

	switch sub.Name {
	case "FETCH":
		c.doFetch(sub, true)
	case "STORE":
		c.doStore(sub, true)
	case "SEARCH":
		c.doSearch(sub, true)
	default:
		c.tagged(cmd.Tag, "BAD", "Unknown UID subcommand")
	}
}
