package server

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"relay/internal/models"
	"relay/internal/server/parser"
	"relay/internal/server/response"
)

// Conn is one live client connection with its session state.
type Conn struct {
	srv    *IMAPServer
	framer *Framer
	ctx    context.Context

	session    *models.Session
	registered bool
	closing    bool
}

// HandleConnection runs one session to completion. It owns the network
// connection and closes it on return.
func (s *IMAPServer) HandleConnection(ctx context.Context, nc net.Conn) {
	defer func() { _ = nc.Close() }()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	clientIP := nc.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	c := &Conn{
		srv:    s,
		framer: NewFramer(nc),
		ctx:    ctx,
		session: &models.Session{
			ConnectionID: uuid.NewString(),
			ClientIP:     clientIP,
			State:        models.StateNotAuthenticated,
			DeletedUIDs:  make(map[uint32]bool),
			Enabled:      make(map[string]bool),
			LastActivity: time.Now(),
		},
	}
	defer c.release()

	if err := c.send(response.Untagged("OK " + s.name + " IMAP4rev2 server ready")); err != nil {
		return
	}

	c.loop()
}

// release returns the session's registry slot, if it holds one.
func (c *Conn) release() {
	if c.registered {
		c.srv.registry.Remove(c.session.UserID)
		c.registered = false
	}
}

// loop reads and dispatches commands until the session ends.
func (c *Conn) loop() {
	for !c.closing {
		if c.ctx.Err() != nil {
			c.framer.Bye("Server shutting down")
			return
		}

		line, err := c.framer.ReadLine(c.srv.sessionTimeout)
		if err != nil {
			switch {
			case err == ErrLineTooLong:
				c.framer.Bye("Line too long")
			case isTimeout(err):
				c.framer.Bye("Session timeout")
			}
			// EOF and broken pipes close silently.
			return
		}
		c.session.LastActivity = time.Now()

		cmd, err := parser.Parse(line)
		if err != nil {
			reply := response.Untagged("BAD " + err.Error())
			if pe, ok := err.(*parser.ParseError); ok && pe.Tag != "" {
				reply = response.Tagged(pe.Tag, "BAD", pe.Message)
			}
			if sendErr := c.send(reply); sendErr != nil {
				return
			}
			continue
		}

		c.dispatch(cmd)
	}
}

// dispatch routes one command through the handler table.
func (c *Conn) dispatch(cmd *parser.Command) {
	c.srv.metrics.CommandProcessed(cmd.Name)

	entry, ok := commandTable[cmd.Name]
	if !ok {
		c.tagged(cmd.Tag, "BAD", "Unknown command")
		return
	}
	if entry.states&(1<<c.session.State) == 0 {
		c.tagged(cmd.Tag, "BAD", "Command not valid in current state")
		return
	}
	entry.fn(c, cmd)
}

func (c *Conn) send(line string) error {
	return c.framer.WriteLine(line)
}

// untagged emits one untagged response line.
func (c *Conn) untagged(text string) {
	_ = c.send(response.Untagged(text))
}

// tagged emits the tagged completion line for a command.
func (c *Conn) tagged(tag, status, text string) {
	_ = c.send(response.Tagged(tag, status, text))
}

// storeError logs a persistence failure with session context and tells
// the client to retry. The session stays open.
func (c *Conn) storeError(tag, op string, err error) {
	log.Printf("imap: store %s failed (conn=%s user=%s): %v",
		op, c.session.ConnectionID, c.session.UserID, err)
	c.srv.metrics.StoreError(op)
	c.tagged(tag, "BAD", "Internal server error")
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
