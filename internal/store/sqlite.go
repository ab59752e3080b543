package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"relay/internal/models"
)

// blobThreshold is the attachment size above which content is offloaded to
// blob storage when one is configured.
const blobThreshold = 32 * 1024

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	oidc_issuer TEXT NOT NULL,
	oidc_subject TEXT NOT NULL,
	primary_address TEXT NOT NULL,
	uid_next INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(oidc_issuer, oidc_subject),
	UNIQUE(primary_address)
);

CREATE TABLE IF NOT EXISTS user_email_addresses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	address TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	key_hash TEXT NOT NULL,
	scopes TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP,
	revoked_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix, revoked_at) WHERE revoked_at IS NULL;

CREATE TABLE IF NOT EXISTS emails (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	from_address TEXT NOT NULL,
	from_name TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	text_body TEXT NOT NULL DEFAULT '',
	html_body TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	received_at TIMESTAMP NOT NULL,
	in_reply_to TEXT NOT NULL DEFAULT '',
	references_list TEXT NOT NULL DEFAULT '',
	thread_id INTEGER,
	sent_by_user_id TEXT REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_emails_received_at ON emails(received_at);
CREATE INDEX IF NOT EXISTS idx_emails_thread_id ON emails(thread_id);

CREATE TABLE IF NOT EXISTS email_recipients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	address TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	user_id TEXT REFERENCES users(id),
	is_read INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_recipients_user_read ON email_recipients(user_id, is_read);
CREATE INDEX IF NOT EXISTS idx_recipients_address ON email_recipients(address);

CREATE TABLE IF NOT EXISTS email_attachments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	content BLOB,
	blob_key TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS mailbox_state (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	uid INTEGER NOT NULL,
	flags INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, email_id)
);
CREATE INDEX IF NOT EXISTS idx_mailbox_state_uid ON mailbox_state(user_id, uid);

CREATE TABLE IF NOT EXISTS labels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	UNIQUE(user_id, name)
);

CREATE TABLE IF NOT EXISTS email_labels (
	email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	label_id INTEGER NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
	PRIMARY KEY (email_id, label_id)
);

CREATE TABLE IF NOT EXISTS email_filters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	criteria TEXT NOT NULL,
	action TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	endpoint TEXT NOT NULL,
	keys_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_emails (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	text_body TEXT NOT NULL DEFAULT '',
	html_body TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_recipients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	outbound_email_id INTEGER NOT NULL REFERENCES outbound_emails(id) ON DELETE CASCADE,
	address TEXT NOT NULL,
	type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_attachments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	outbound_email_id INTEGER NOT NULL REFERENCES outbound_emails(id) ON DELETE CASCADE,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	content BLOB
);

CREATE TABLE IF NOT EXISTS delivery_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	outbound_email_id INTEGER NOT NULL REFERENCES outbound_emails(id) ON DELETE CASCADE,
	attempted_at TIMESTAMP NOT NULL,
	mx_host TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed MailboxStore. A single connection pool is
// shared by all sessions; SQLite serializes writes internally.
type Store struct {
	db    *sql.DB
	blobs BlobStore
}

var _ MailboxStore = (*Store)(nil)

// Open opens (creating if necessary) the mailbox database at path. blobs
// may be nil, in which case attachment content always stays in SQLite.
//
// Transactions here read before they write (bindMissingUIDs, ApplyDeletions),
// so they must take the write lock up front: a deferred transaction upgrading
// SHARED to RESERVED against a concurrent writer fails with SQLITE_BUSY
// without consulting the busy handler. _txlock=immediate closes that hole and
// WAL keeps plain reads unblocked while a writer commits.
func Open(path string, blobs BlobStore) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}

	return &Store{db: db, blobs: blobs}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// lowered normalizes an address for lookups and uniqueness.
func lowered(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ===== Users =====

// GetOrCreateUser resolves a user by OIDC (issuer, subject), creating the
// row on first contact. New users get their primary address registered and
// any pre-existing recipient rows for that address bound to them.
func (s *Store) GetOrCreateUser(ctx context.Context, issuer, subject, address string) (*models.User, error) {
	address = lowered(address)

	u, err := s.userByQuery(ctx, "SELECT id, oidc_issuer, oidc_subject, primary_address, created_at FROM users WHERE oidc_issuer = ? AND oidc_subject = ?", issuer, subject)
	if err == nil {
		return u, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	u = &models.User{
		ID:             uuid.NewString(),
		OIDCIssuer:     issuer,
		OIDCSubject:    subject,
		PrimaryAddress: address,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO users (id, oidc_issuer, oidc_subject, primary_address, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.OIDCIssuer, u.OIDCSubject, u.PrimaryAddress, u.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create user: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO user_email_addresses (user_id, address) VALUES (?, ?)", u.ID, address); err != nil {
		return nil, fmt.Errorf("failed to register address: %v", err)
	}
	// Bind recipient rows that predate the user.
	if _, err := tx.ExecContext(ctx,
		"UPDATE email_recipients SET user_id = ? WHERE user_id IS NULL AND lower(address) = ?", u.ID, address); err != nil {
		return nil, fmt.Errorf("failed to bind recipients: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %v", err)
	}
	return u, nil
}

// UserByAddress resolves a user by any of their registered addresses.
func (s *Store) UserByAddress(ctx context.Context, address string) (*models.User, error) {
	return s.userByQuery(ctx, `
		SELECT u.id, u.oidc_issuer, u.oidc_subject, u.primary_address, u.created_at
		FROM users u
		JOIN user_email_addresses a ON a.user_id = u.id
		WHERE a.address = ?`, lowered(address))
}

func (s *Store) userByQuery(ctx context.Context, query string, args ...interface{}) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.OIDCIssuer, &u.OIDCSubject, &u.PrimaryAddress, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %v", err)
	}
	return u, nil
}

// AddUserAddress registers an additional address for a user and lazily
// binds matching unowned recipient rows.
func (s *Store) AddUserAddress(ctx context.Context, userID, address string) error {
	address = lowered(address)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO user_email_addresses (user_id, address) VALUES (?, ?)", userID, address); err != nil {
		return fmt.Errorf("failed to register address: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE email_recipients SET user_id = ? WHERE user_id IS NULL AND lower(address) = ?", userID, address); err != nil {
		return fmt.Errorf("failed to bind recipients: %v", err)
	}

	return tx.Commit()
}

// ===== API keys =====

// CreateAPIKey stores a new key row. The caller already hashed the secret;
// the plaintext never reaches the store.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if len(key.Scopes) == 0 {
		return fmt.Errorf("api key requires at least one scope")
	}
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %v", err)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (user_id, name, key_prefix, key_hash, scopes, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		key.UserID, key.Name, key.KeyPrefix, key.KeyHash, string(scopes), key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %v", err)
	}
	key.ID, err = res.LastInsertId()
	return err
}

// ActiveAPIKeys returns the user's keys that have not been revoked, with
// scopes decoded from their JSON column.
func (s *Store) ActiveAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, key_prefix, key_hash, scopes, created_at, last_used_at
		FROM api_keys
		WHERE user_id = ? AND revoked_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load api keys: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		var scopes string
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.KeyHash, &scopes, &k.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %v", err)
		}
		if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode scopes for key %d: %v", k.ID, err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			k.LastUsedAt = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records when a key last authenticated successfully.
func (s *Store) TouchAPIKey(ctx context.Context, keyID int64, when time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = ? WHERE id = ?", when, keyID)
	return err
}

// RevokeAPIKey soft-deletes a key. Only the owner may revoke.
func (s *Store) RevokeAPIKey(ctx context.Context, userID string, keyID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL",
		time.Now().UTC(), keyID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ===== Emails =====

// InsertEmail stores a received message with its recipients and
// attachments in one transaction. Recipient rows are bound to registered
// users by address, and every participating user gets a mailbox UID
// assigned from their monotonic counter.
func (s *Store) InsertEmail(ctx context.Context, email *models.Email) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO emails (message_id, from_address, from_name, subject, text_body, html_body,
			size_bytes, received_at, in_reply_to, references_list, thread_id, sent_by_user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		email.MessageID, email.FromAddress, email.FromName, email.Subject, email.TextBody,
		email.HTMLBody, email.SizeBytes, email.ReceivedAt, email.InReplyTo, email.References,
		email.ThreadID, email.SentByUserID)
	if err != nil {
		return fmt.Errorf("failed to insert email: %v", err)
	}
	if email.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	participants := make(map[string]bool)
	if email.SentByUserID != nil {
		participants[*email.SentByUserID] = true
	}

	for i := range email.Recipients {
		r := &email.Recipients[i]
		r.EmailID = email.ID

		// Bind to a registered user if the address is known.
		if r.UserID == nil {
			var uid string
			err := tx.QueryRowContext(ctx,
				"SELECT user_id FROM user_email_addresses WHERE address = ?", lowered(r.Address)).Scan(&uid)
			if err == nil {
				r.UserID = &uid
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("failed to resolve recipient: %v", err)
			}
		}
		if r.UserID != nil {
			participants[*r.UserID] = true
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO email_recipients (email_id, address, display_name, type, user_id, is_read) VALUES (?, ?, ?, ?, ?, ?)",
			r.EmailID, r.Address, r.DisplayName, string(r.Type), r.UserID, r.IsRead)
		if err != nil {
			return fmt.Errorf("failed to insert recipient: %v", err)
		}
		r.ID, _ = res.LastInsertId()
	}

	for i := range email.Attachments {
		a := &email.Attachments[i]
		a.EmailID = email.ID
		a.SizeBytes = int64(len(a.Content))

		content := a.Content
		if s.blobs != nil && len(content) >= blobThreshold {
			a.BlobKey = "attachments/" + uuid.NewString()
			if err := s.blobs.Put(ctx, a.BlobKey, content); err != nil {
				return fmt.Errorf("failed to offload attachment: %v", err)
			}
			content = nil
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO email_attachments (email_id, filename, content_type, size_bytes, content, blob_key) VALUES (?, ?, ?, ?, ?, ?)",
			a.EmailID, a.Filename, a.ContentType, a.SizeBytes, content, a.BlobKey)
		if err != nil {
			return fmt.Errorf("failed to insert attachment: %v", err)
		}
		a.ID, _ = res.LastInsertId()
	}

	for userID := range participants {
		if err := assignUID(ctx, tx, userID, email.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// assignUID gives one user a mailbox UID for one email from the user's
// monotonic counter. UIDs are never reused within an epoch.
func assignUID(ctx context.Context, tx *sql.Tx, userID string, emailID int64) error {
	var next uint32
	if err := tx.QueryRowContext(ctx, "SELECT uid_next FROM users WHERE id = ?", userID).Scan(&next); err != nil {
		return fmt.Errorf("failed to read uid counter: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO mailbox_state (user_id, email_id, uid, flags) VALUES (?, ?, ?, 0)",
		userID, emailID, next); err != nil {
		return fmt.Errorf("failed to assign uid: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET uid_next = ? WHERE id = ?", next+1, userID); err != nil {
		return fmt.Errorf("failed to advance uid counter: %v", err)
	}
	return nil
}

// visibleEmails is the mailbox membership predicate: everything the user
// participates in, as recipient or sender.
const visibleEmails = `
	SELECT DISTINCT e.id
	FROM emails e
	LEFT JOIN email_recipients r ON r.email_id = e.id AND r.user_id = ?1
	WHERE r.id IS NOT NULL OR e.sent_by_user_id = ?1`

// LoadMailbox returns the user's mailbox entries ordered by receivedAt
// ascending (ties by email id). Emails that became visible after the fact
// (address registered later) get UIDs assigned here, preserving arrival
// order, before the final read.
func (s *Store) LoadMailbox(ctx context.Context, userID string) ([]MessageRow, error) {
	if err := s.bindMissingUIDs(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, ms.uid, ms.flags, e.received_at, e.size_bytes, e.message_id,
			e.subject, e.from_address, e.from_name,
			EXISTS(SELECT 1 FROM email_recipients r WHERE r.email_id = e.id AND r.user_id = ?1 AND r.is_read = 1)
		FROM emails e
		JOIN mailbox_state ms ON ms.email_id = e.id AND ms.user_id = ?1
		ORDER BY e.received_at ASC, e.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var flags int
		var read bool
		if err := rows.Scan(&m.EmailID, &m.UID, &flags, &m.InternalDate, &m.SizeBytes,
			&m.MessageID, &m.Subject, &m.FromAddress, &m.FromName, &read); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox row: %v", err)
		}
		m.Flags = models.Flag(flags)
		if read {
			m.Flags |= models.FlagSeen
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// bindMissingUIDs assigns UIDs for visible emails that have no
// mailbox_state row yet, in arrival order so the monotonic mapping holds.
func (s *Store) bindMissingUIDs(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT e.id FROM emails e
		WHERE e.id IN (`+visibleEmails+`)
		AND NOT EXISTS(SELECT 1 FROM mailbox_state ms WHERE ms.email_id = e.id AND ms.user_id = ?1)
		ORDER BY e.received_at ASC, e.id ASC`, userID)
	if err != nil {
		return fmt.Errorf("failed to find unbound emails: %v", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if len(ids) == 0 {
		return tx.Commit()
	}
	for _, id := range ids {
		if err := assignUID(ctx, tx, userID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Status reports the counts STATUS needs without building a full view.
func (s *Store) Status(ctx context.Context, userID string) (*MailboxStatus, error) {
	rows, err := s.LoadMailbox(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &MailboxStatus{Messages: len(rows)}
	for _, r := range rows {
		if !r.Flags.Has(models.FlagSeen) {
			st.Unseen++
		}
		if r.UID > st.MaxUID {
			st.MaxUID = r.UID
		}
	}
	return st, nil
}

// GetEmail loads a full email, with recipients and attachments, provided
// the requesting user participates in it. Attachment content offloaded to
// blob storage is fetched back transparently.
func (s *Store) GetEmail(ctx context.Context, userID string, emailID int64) (*models.Email, error) {
	e := &models.Email{}
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.message_id, e.from_address, e.from_name, e.subject, e.text_body,
			e.html_body, e.size_bytes, e.received_at, e.in_reply_to, e.references_list,
			e.thread_id, e.sent_by_user_id
		FROM emails e
		WHERE e.id = ?2 AND e.id IN (`+visibleEmails+`)`, userID, emailID).Scan(
		&e.ID, &e.MessageID, &e.FromAddress, &e.FromName, &e.Subject, &e.TextBody,
		&e.HTMLBody, &e.SizeBytes, &e.ReceivedAt, &e.InReplyTo, &e.References,
		&e.ThreadID, &e.SentByUserID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load email: %v", err)
	}

	if err := s.loadRecipients(ctx, e); err != nil {
		return nil, err
	}
	if err := s.loadAttachments(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) loadRecipients(ctx context.Context, e *models.Email) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email_id, address, display_name, type, user_id, is_read FROM email_recipients WHERE email_id = ? ORDER BY id", e.ID)
	if err != nil {
		return fmt.Errorf("failed to load recipients: %v", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r models.Recipient
		var typ string
		var uid sql.NullString
		if err := rows.Scan(&r.ID, &r.EmailID, &r.Address, &r.DisplayName, &typ, &uid, &r.IsRead); err != nil {
			return fmt.Errorf("failed to scan recipient: %v", err)
		}
		r.Type = models.RecipientType(typ)
		if uid.Valid {
			v := uid.String
			r.UserID = &v
		}
		e.Recipients = append(e.Recipients, r)
	}
	return rows.Err()
}

func (s *Store) loadAttachments(ctx context.Context, e *models.Email) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email_id, filename, content_type, size_bytes, content, blob_key FROM email_attachments WHERE email_id = ? ORDER BY id", e.ID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %v", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.EmailID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.Content, &a.BlobKey); err != nil {
			return fmt.Errorf("failed to scan attachment: %v", err)
		}
		e.Attachments = append(e.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range e.Attachments {
		a := &e.Attachments[i]
		if a.BlobKey != "" && len(a.Content) == 0 && s.blobs != nil {
			content, err := s.blobs.Get(ctx, a.BlobKey)
			if err != nil {
				return fmt.Errorf("failed to load attachment blob %s: %v", a.BlobKey, err)
			}
			a.Content = content
		}
	}
	return nil
}

// SetFlags persists a user's flag bitmap for one email. \Seen writes
// through to the per-recipient read bit so the REST unread counter stays
// in sync; the other bits live in the mailbox_state bitmap only.
func (s *Store) SetFlags(ctx context.Context, userID string, emailID int64, flags models.Flag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE mailbox_state SET flags = ? WHERE user_id = ? AND email_id = ?",
		int(flags), userID, emailID)
	if err != nil {
		return fmt.Errorf("failed to update flags: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	isRead := flags.Has(models.FlagSeen)
	if _, err := tx.ExecContext(ctx,
		"UPDATE email_recipients SET is_read = ? WHERE email_id = ? AND user_id = ?",
		isRead, emailID, userID); err != nil {
		return fmt.Errorf("failed to update read state: %v", err)
	}

	return tx.Commit()
}

// ApplyDeletions removes the given emails in a single transaction,
// restricted to rows the user participates in. It returns the ids actually
// deleted so callers can reconcile partial application.
func (s *Store) ApplyDeletions(ctx context.Context, userID string, emailIDs []int64) ([]int64, error) {
	if len(emailIDs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted []int64
	var blobKeys []string
	for _, id := range emailIDs {
		var authorized bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM emails e WHERE e.id = ?2 AND e.id IN ("+visibleEmails+"))",
			userID, id).Scan(&authorized)
		if err != nil {
			return nil, fmt.Errorf("failed to authorize deletion: %v", err)
		}
		if !authorized {
			continue
		}

		keys, err := tx.QueryContext(ctx,
			"SELECT blob_key FROM email_attachments WHERE email_id = ? AND blob_key != ''", id)
		if err != nil {
			return nil, fmt.Errorf("failed to collect blob keys: %v", err)
		}
		for keys.Next() {
			var k string
			if err := keys.Scan(&k); err == nil {
				blobKeys = append(blobKeys, k)
			}
		}
		_ = keys.Close()

		if _, err := tx.ExecContext(ctx, "DELETE FROM emails WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("failed to delete email %d: %v", id, err)
		}
		deleted = append(deleted, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deletions: %v", err)
	}

	// Blob cleanup is best-effort; orphaned blobs are harmless.
	if s.blobs != nil {
		for _, k := range blobKeys {
			_ = s.blobs.Delete(ctx, k)
		}
	}
	return deleted, nil
}

// UnreadCount is the REST unread counter: distinct emails with an unread
// recipient row for this user.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT email_id) FROM email_recipients WHERE user_id = ? AND is_read = 0", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %v", err)
	}
	return n, nil
}

// ForEachEmail streams the user's mailbox in arrival order, loading one
// full email at a time. Used by exports so the whole mailbox never sits in
// memory at once.
func (s *Store) ForEachEmail(ctx context.Context, userID string, fn func(*models.Email) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT e.id FROM emails e WHERE e.id IN ("+visibleEmails+") ORDER BY e.received_at ASC, e.id ASC", userID)
	if err != nil {
		return fmt.Errorf("failed to iterate mailbox: %v", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, id := range ids {
		e, err := s.GetEmail(ctx, userID, id)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// ===== Labels =====

// CreateLabel stores a per-user label; (user, name) is unique.
func (s *Store) CreateLabel(ctx context.Context, label *models.Label) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO labels (user_id, name, color) VALUES (?, ?, ?)",
		label.UserID, label.Name, label.Color)
	if err != nil {
		return fmt.Errorf("failed to create label: %v", err)
	}
	label.ID, _ = res.LastInsertId()
	return nil
}

// LabelsByUser returns the user's labels ordered by name.
func (s *Store) LabelsByUser(ctx context.Context, userID string) ([]models.Label, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, color FROM labels WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load labels: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var labels []models.Label
	for rows.Next() {
		var l models.Label
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Color); err != nil {
			return nil, fmt.Errorf("failed to scan label: %v", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// ===== Outbound queue =====

// EnqueueOutbound stores a submission for the delivery subsystem.
func (s *Store) EnqueueOutbound(ctx context.Context, out *OutboundEmail) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	if out.Status == "" {
		out.Status = "queued"
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO outbound_emails (user_id, message_id, subject, text_body, html_body, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		out.UserID, out.MessageID, out.Subject, out.TextBody, out.HTMLBody, out.Status, out.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, r := range out.Recipients {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO outbound_recipients (outbound_email_id, address, type) VALUES (?, ?, ?)",
			id, r.Address, string(r.Type)); err != nil {
			return 0, fmt.Errorf("failed to enqueue recipient: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	out.ID = id
	return id, nil
}
