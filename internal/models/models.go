package models

import "time"

// Scope names carried by API keys. The same strings are stored as a JSON
// array in the api_keys row and checked by every protocol front end.
const (
	ScopeSMTP     = "smtp"
	ScopePOP3     = "pop3"
	ScopeIMAP     = "imap"
	ScopeAPIRead  = "api:read"
	ScopeAPIWrite = "api:write"
	ScopeInternal = "internal"
)

// User is an account established by an external OIDC issuer+subject pair.
// The ID is a UUID string; its first four bytes seed UIDVALIDITY.
type User struct {
	ID             string
	OIDCIssuer     string
	OIDCSubject    string
	PrimaryAddress string
	CreatedAt      time.Time
}

// APIKey is a protocol credential owned by a user. The plaintext secret is
// returned exactly once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         int64
	UserID     string
	Name       string
	KeyPrefix  string
	KeyHash    string
	Scopes     []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Active reports whether the key has not been revoked.
func (k *APIKey) Active() bool {
	return k.RevokedAt == nil
}

// HasScope reports whether the key carries the named scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RecipientType distinguishes To, Cc and Bcc entries.
type RecipientType string

const (
	RecipientTo  RecipientType = "To"
	RecipientCc  RecipientType = "Cc"
	RecipientBcc RecipientType = "Bcc"
)

// Email is an immutable received message. Once stored, bodies and
// attachments are read-only; only per-recipient read state mutates.
type Email struct {
	ID           int64
	MessageID    string
	FromAddress  string
	FromName     string
	Subject      string
	TextBody     string
	HTMLBody     string
	SizeBytes    int64
	ReceivedAt   time.Time
	InReplyTo    string
	References   string
	ThreadID     *int64
	SentByUserID *string
	Recipients   []Recipient
	Attachments  []Attachment
}

// Recipient is one To/Cc/Bcc entry of an email. UserID is bound lazily when
// the address is registered as a user address; IsRead is the per-user read
// bit surfaced to the REST client.
type Recipient struct {
	ID          int64
	EmailID     int64
	Address     string
	DisplayName string
	Type        RecipientType
	UserID      *string
	IsRead      bool
}

// Attachment is a stored MIME part. SizeBytes always equals the length of
// the content. Content may live in blob storage, in which case BlobKey is
// set and Content is loaded on demand.
type Attachment struct {
	ID          int64
	EmailID     int64
	Filename    string
	ContentType string
	SizeBytes   int64
	Content     []byte
	BlobKey     string
}

// Label is a per-user named color tag; (UserID, Name) is unique.
type Label struct {
	ID     int64
	UserID string
	Name   string
	Color  string
}
