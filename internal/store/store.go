// Package store implements the mailbox persistence layer shared by the
// IMAP, POP3 and REST surfaces. All mutation paths are atomic per logical
// operation; cross-table operations run inside a transaction.
package store

import (
	"context"
	"errors"
	"time"

	"relay/internal/models"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the requesting user.
var ErrNotFound = errors.New("store: not found")

// MessageRow is one mailbox entry as loaded for a session's MessageView.
// Flags already include the per-recipient read bit projected into \Seen.
type MessageRow struct {
	EmailID      int64
	UID          uint32
	Flags        models.Flag
	InternalDate time.Time
	SizeBytes    int64
	MessageID    string
	Subject      string
	FromAddress  string
	FromName     string
}

// MailboxStatus carries the counts STATUS reports without selecting.
type MailboxStatus struct {
	Messages int
	Unseen   int
	MaxUID   uint32
}

// OutboundEmail is a queued submission awaiting delivery. Delivery itself
// (MX lookup, retries) is a separate subsystem consuming this queue.
type OutboundEmail struct {
	ID         int64
	UserID     string
	MessageID  string
	Subject    string
	TextBody   string
	HTMLBody   string
	Status     string
	CreatedAt  time.Time
	Recipients []models.Recipient
}

// BlobStore offloads large attachment payloads out of the relational
// store. Implementations must be safe for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MailboxStore is the persistence contract the protocol engines consume.
type MailboxStore interface {
	// Users and addresses.
	GetOrCreateUser(ctx context.Context, issuer, subject, address string) (*models.User, error)
	UserByAddress(ctx context.Context, address string) (*models.User, error)
	AddUserAddress(ctx context.Context, userID, address string) error

	// API keys.
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ActiveAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID int64, when time.Time) error
	RevokeAPIKey(ctx context.Context, userID string, keyID int64) error

	// Emails.
	InsertEmail(ctx context.Context, email *models.Email) error
	GetEmail(ctx context.Context, userID string, emailID int64) (*models.Email, error)
	LoadMailbox(ctx context.Context, userID string) ([]MessageRow, error)
	Status(ctx context.Context, userID string) (*MailboxStatus, error)
	SetFlags(ctx context.Context, userID string, emailID int64, flags models.Flag) error
	ApplyDeletions(ctx context.Context, userID string, emailIDs []int64) ([]int64, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	ForEachEmail(ctx context.Context, userID string, fn func(*models.Email) error) error

	// Labels.
	CreateLabel(ctx context.Context, label *models.Label) error
	LabelsByUser(ctx context.Context, userID string) ([]models.Label, error)

	// Outbound queue contract.
	EnqueueOutbound(ctx context.Context, out *OutboundEmail) (int64, error)

	Close() error
}
