package server

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"

	"relay/internal/models"
	"relay/internal/server/parser"
)

func (c *Conn) handleCapability(cmd *parser.Command) {
	c.untagged("CAPABILITY " + capabilities)
	c.tagged(cmd.Tag, "OK", "CAPABILITY completed")
}

func (c *Conn) handleNoop(cmd *parser.Command) {
	c.tagged(cmd.Tag, "OK", "NOOP completed")
}

// handleLogout applies pending deletions when a mutable selection is
// open, says goodbye and ends the session.
func (c *Conn) handleLogout(cmd *parser.Command) {
	if c.session.Selected() && !c.session.ReadOnly {
		if err := c.applyPendingDeletions(false); err != nil {
			c.storeError(cmd.Tag, "expunge", err)
			return
		}
	}
	c.untagged("BYE Logging out")
	c.tagged(cmd.Tag, "OK", "LOGOUT completed")
	c.session.State = models.StateLogout
	c.closing = true
}

// handleEnable honors UTF8=ACCEPT and silently ignores everything else.
func (c *Conn) handleEnable(cmd *parser.Command) {
	var accepted []string
	for _, arg := range cmd.Args {
		if strings.EqualFold(arg, "UTF8=ACCEPT") {
			c.session.Enabled["UTF8=ACCEPT"] = true
			accepted = append(accepted, "UTF8=ACCEPT")
		}
	}
	c.untagged(strings.TrimSpace("ENABLED " + strings.Join(accepted, " ")))
	c.tagged(cmd.Tag, "OK", "ENABLE completed")
}

// handleLogin verifies plaintext credentials against the vault.
func (c *Conn) handleLogin(cmd *parser.Command) {
	if len(cmd.Args) < 2 {
		c.tagged(cmd.Tag, "BAD", "LOGIN requires username and password")
		return
	}
	c.finishLogin(cmd.Tag, "LOGIN", cmd.Args[0], cmd.Args[1])
}

// handleAuthenticate implements AUTHENTICATE PLAIN with optional
// SASL-IR. Without an initial response, a single `+` continuation asks
// the client for the Base64 payload.
func (c *Conn) handleAuthenticate(cmd *parser.Command) {
	if len(cmd.Args) < 1 {
		c.tagged(cmd.Tag, "BAD", "AUTHENTICATE requires a mechanism")
		return
	}
	if !strings.EqualFold(cmd.Args[0], "PLAIN") {
		c.tagged(cmd.Tag, "NO", "Unsupported authentication mechanism")
		return
	}

	encoded := ""
	if len(cmd.Args) >= 2 {
		encoded = cmd.Args[1]
	} else {
		if err := c.send("+"); err != nil {
			return
		}
		line, err := c.framer.ReadLine(c.srv.sessionTimeout)
		if err != nil {
			if err == ErrLineTooLong {
				c.framer.Bye("Line too long")
			}
			c.closing = true
			return
		}
		if strings.TrimSpace(line) == "*" {
			c.tagged(cmd.Tag, "BAD", "Authentication cancelled")
			return
		}
		encoded = strings.TrimSpace(line)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.tagged(cmd.Tag, "BAD", "Invalid base64 response")
		return
	}

	var username, password string
	srv := sasl.NewPlainServer(func(identity, user, pass string) error {
		if user == "" || pass == "" {
			return errors.New("empty credentials")
		}
		username, password = user, pass
		return nil
	})
	if _, _, err := srv.Next(decoded); err != nil {
		c.tagged(cmd.Tag, "NO", "Authentication failed")
		return
	}

	c.finishLogin(cmd.Tag, "AUTHENTICATE", username, password)
}

// finishLogin is the shared tail of LOGIN and AUTHENTICATE: vault
// verification with the imap scope, the per-user connection cap, and
// the transition to Authenticated. No reason for a failure is leaked on
// the wire.
func (c *Conn) finishLogin(tag, command, username, password string) {
	res, err := c.srv.vault.Verify(c.ctx, username, password)
	if err != nil {
		c.storeError(tag, "verify", err)
		return
	}
	if !res.OK || !res.HasScope(models.ScopeIMAP) {
		c.tagged(tag, "NO", "Authentication failed")
		return
	}

	if !c.srv.registry.TryAdd(res.UserID, c.srv.maxConnsPerUser) {
		c.tagged(tag, "NO", "Too many connections")
		return
	}
	c.registered = true

	c.session.Username = username
	c.session.UserID = res.UserID
	c.session.APIKeyID = res.APIKeyID
	c.session.Scopes = res.Scopes
	c.session.State = models.StateAuthenticated

	c.untagged("CAPABILITY " + capabilities)
	c.tagged(tag, "OK", command+" completed")
}
