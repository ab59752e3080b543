package server

import (
	"fmt"
	"strings"

	"relay/internal/models"
	"relay/internal/server/parser"
)

func (c *Conn) handleSearch(cmd *parser.Command) {
	c.doSearch(cmd, false)
}

// doSearch serves SEARCH and UID SEARCH over the flag-only criteria of
// RFC 9051 §6.4.4. A message matches when every criterion holds;
// pending deletions are hidden unless DELETED is named explicitly.
// Extended criteria (text, dates, body) are rejected.
func (c *Conn) doSearch(cmd *parser.Command, uidMode bool) {
	tokens := strings.Fields(strings.ToUpper(cmd.RawArgs))
	if len(tokens) == 0 {
		c.tagged(cmd.Tag, "BAD", "SEARCH requires criteria")
		return
	}

	wantsDeleted := false
	for _, t := range tokens {
		switch t {
		case "ALL", "SEEN", "UNSEEN", "FLAGGED", "UNFLAGGED":
		case "DELETED":
			wantsDeleted = true
		default:
			c.tagged(cmd.Tag, "BAD", "Unsupported SEARCH criterion")
			return
		}
	}

	var results []string
	for _, h := range c.session.View.Messages {
		if c.session.DeletedUIDs[h.UID] && !wantsDeleted {
			continue
		}
		if !matchesAll(h.Flags, tokens) {
			continue
		}
		if uidMode {
			results = append(results, fmt.Sprintf("%d", h.UID))
		} else {
			results = append(results, fmt.Sprintf("%d", h.SeqNum))
		}
	}

	c.untagged(strings.TrimSpace("SEARCH " + strings.Join(results, " ")))

	completed := "SEARCH completed"
	if uidMode {
		completed = "UID SEARCH completed"
	}
	c.tagged(cmd.Tag, "OK", completed)
}

func matchesAll(flags models.Flag, tokens []string) bool {
	for _, t := range tokens {
		switch t {
		case "SEEN":
			if !flags.Has(models.FlagSeen) {
				return false
			}
		case "UNSEEN":
			if flags.Has(models.FlagSeen) {
				return false
			}
		case "DELETED":
			if !flags.Has(models.FlagDeleted) {
				return false
			}
		case "FLAGGED":
			if !flags.Has(models.FlagFlagged) {
				return false
			}
		case "UNFLAGGED":
			if flags.Has(models.FlagFlagged) {
				return false
			}
		}
	}
	return true
}
