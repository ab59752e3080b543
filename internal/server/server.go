// Package server implements the IMAP4rev2 session engine: connection
// handling, the per-session state machine and the command handlers.
package server

import (
	"time"

	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/notify"
	"relay/internal/registry"
	"relay/internal/server/parser"
	"relay/internal/store"
	"relay/internal/vault"
)

// capabilities is the advertised capability list. LITERAL+ and UIDPLUS
// are declared for client compatibility; CHILDREN is trivially true for
// a single flat INBOX.
const capabilities = "IMAP4rev2 AUTH=PLAIN LITERAL+ ENABLE UNSELECT UIDPLUS CHILDREN"

// IMAPServer carries the shared dependencies of all sessions. One
// instance serves all connections.
type IMAPServer struct {
	store    store.MailboxStore
	vault    *vault.Vault
	registry *registry.Registry
	bus      *notify.Bus
	metrics  metrics.Collector

	name            string
	maxConnsPerUser int
	sessionTimeout  time.Duration
}

// Options configures an IMAPServer.
type Options struct {
	Store    store.MailboxStore
	Vault    *vault.Vault
	Registry *registry.Registry
	Bus      *notify.Bus
	Metrics  metrics.Collector

	// ServerName appears in the greeting.
	ServerName string

	// MaxConnectionsPerUser caps live sessions per user.
	MaxConnectionsPerUser int

	// SessionTimeout is the inactivity bound; zero disables it.
	SessionTimeout time.Duration
}

// New creates an IMAPServer.
func New(opts Options) *IMAPServer {
	mc := opts.Metrics
	if mc == nil {
		mc = metrics.Noop()
	}
	name := opts.ServerName
	if name == "" {
		name = "relay"
	}
	return &IMAPServer{
		store:           opts.Store,
		vault:           opts.Vault,
		registry:        opts.Registry,
		bus:             opts.Bus,
		metrics:         mc,
		name:            name,
		maxConnsPerUser: opts.MaxConnectionsPerUser,
		sessionTimeout:  opts.SessionTimeout,
	}
}

// commandHandler executes one command against a connection.
type commandHandler func(c *Conn, cmd *parser.Command)

// stateMask is a bitmask over session states.
type stateMask int

func mask(states ...models.SessionState) stateMask {
	var m stateMask
	for _, s := range states {
		m |= 1 << s
	}
	return m
}

var (
	anyState      = mask(models.StateNotAuthenticated, models.StateAuthenticated, models.StateSelected)
	notAuthOnly   = mask(models.StateNotAuthenticated)
	authenticated = mask(models.StateAuthenticated, models.StateSelected)
	selectedOnly  = mask(models.StateSelected)
)

// commandTable routes commands by name; each entry names the states the
// command is legal in. State-invalid commands fall through to a single
// BAD reply in the session loop.
var commandTable = map[string]struct {
	states stateMask
	fn     commandHandler
}{
	"CAPABILITY":   {anyState, (*Conn).handleCapability},
	"NOOP":         {anyState, (*Conn).handleNoop},
	"LOGOUT":       {anyState, (*Conn).handleLogout},
	"ENABLE":       {anyState, (*Conn).handleEnable},
	"LOGIN":        {notAuthOnly, (*Conn).handleLogin},
	"AUTHENTICATE": {notAuthOnly, (*Conn).handleAuthenticate},
	"SELECT":       {authenticated, (*Conn).handleSelect},
	"EXAMINE":      {authenticated, (*Conn).handleSelect},
	"LIST":         {authenticated, (*Conn).handleList},
	"STATUS":       {authenticated, (*Conn).handleStatus},
	"FETCH":        {selectedOnly, (*Conn).handleFetch},
	"STORE":        {selectedOnly, (*Conn).handleStore},
	"SEARCH":       {selectedOnly, (*Conn).handleSearch},
	"EXPUNGE":      {selectedOnly, (*Conn).handleExpunge},
	"CLOSE":        {selectedOnly, (*Conn).handleClose},
	"UNSELECT":     {selectedOnly, (*Conn).handleUnselect},
	"UID":          {selectedOnly, (*Conn).handleUID},
}
