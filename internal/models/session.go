package models

import (
	"sort"
	"time"
)

// SessionState is the IMAP session state machine position.
type SessionState int

const (
	StateNotAuthenticated SessionState = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s SessionState) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NotAuthenticated"
	case StateAuthenticated:
		return "Authenticated"
	case StateSelected:
		return "Selected"
	case StateLogout:
		return "Logout"
	}
	return "Unknown"
}

// MaxDeletedUIDs bounds the per-session pending-deletion set. The limit is
// a session guardrail, not a mailbox property.
const MaxDeletedUIDs = 10000

// MessageHandle is one entry of a session's MessageView: the mapping
// between sequence number, UID and store id, plus the fields FETCH needs
// without going back to the store.
type MessageHandle struct {
	EmailID      int64
	UID          uint32
	SeqNum       int
	Flags        Flag
	InternalDate time.Time
	SizeBytes    int64
	MessageID    string
	Subject      string
	FromAddress  string
	FromName     string
}

// MessageView is the per-session ordered projection of the mailbox.
// Sequence numbers are dense 1..N in internalDate order (ties broken by
// EmailID); UIDs are stable within a UIDVALIDITY epoch.
type MessageView struct {
	Messages []*MessageHandle
}

// Renumber reassigns dense sequence numbers 1..N by ascending internalDate,
// ties broken by EmailID. Called after load and after EXPUNGE.
func (v *MessageView) Renumber() {
	sort.SliceStable(v.Messages, func(i, j int) bool {
		a, b := v.Messages[i], v.Messages[j]
		if a.InternalDate.Equal(b.InternalDate) {
			return a.EmailID < b.EmailID
		}
		return a.InternalDate.Before(b.InternalDate)
	})
	for i, m := range v.Messages {
		m.SeqNum = i + 1
	}
}

// BySeq returns the handle with the given sequence number, or nil.
func (v *MessageView) BySeq(n int) *MessageHandle {
	if n < 1 || n > len(v.Messages) {
		return nil
	}
	return v.Messages[n-1]
}

// ByUID returns the handle with the given UID, or nil.
func (v *MessageView) ByUID(uid uint32) *MessageHandle {
	for _, m := range v.Messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

// MaxSeq returns the largest sequence number, or 0 when empty.
func (v *MessageView) MaxSeq() int {
	return len(v.Messages)
}

// MaxUID returns the largest UID in the view, or 0 when empty.
func (v *MessageView) MaxUID() uint32 {
	var max uint32
	for _, m := range v.Messages {
		if m.UID > max {
			max = m.UID
		}
	}
	return max
}

// UIDNext reports the predicted next UID: max(uid)+1, or 1 when empty.
func (v *MessageView) UIDNext() uint32 {
	return v.MaxUID() + 1
}

// Remove drops the handle with the given UID from the view. The caller is
// responsible for renumbering afterwards.
func (v *MessageView) Remove(uid uint32) {
	for i, m := range v.Messages {
		if m.UID == uid {
			v.Messages = append(v.Messages[:i], v.Messages[i+1:]...)
			return
		}
	}
}

// Session is the per-connection IMAP state. It exclusively owns its
// MessageView and DeletedUIDs set; neither is shared across connections.
type Session struct {
	ConnectionID string
	ClientIP     string
	State        SessionState
	Username     string
	UserID       string
	APIKeyID     int64
	Scopes       []string

	SelectedMailbox string
	ReadOnly        bool
	View            *MessageView
	DeletedUIDs     map[uint32]bool
	Enabled         map[string]bool
	UIDValidity     uint32
	LastActivity    time.Time
}

// Selected reports whether the session is in the Selected state with a
// loaded view.
func (s *Session) Selected() bool {
	return s.State == StateSelected && s.View != nil
}

// DropSelection discards the view and pending deletions and returns the
// session to the Authenticated state.
func (s *Session) DropSelection() {
	s.SelectedMailbox = ""
	s.ReadOnly = false
	s.View = nil
	s.DeletedUIDs = make(map[uint32]bool)
	s.State = StateAuthenticated
}
