// Package registry tracks live protocol sessions per user so the
// per-user connection cap can be enforced atomically. IMAP and POP3 share
// one registry; SMTP submission is stateless and does not register.
package registry

import "sync"

// Registry is a process-global count of live sessions per user.
type Registry struct {
	mu     sync.Mutex
	counts map[string]int
}

// New creates an empty registry. There is one per process, constructed at
// startup.
func New() *Registry {
	return &Registry{counts: make(map[string]int)}
}

// TryAdd atomically claims a session slot for the user. It returns false
// when the resulting count would exceed max; the count is unchanged in
// that case.
func (r *Registry) TryAdd(userID string, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts[userID]+1 > max {
		return false
	}
	r.counts[userID]++
	return true
}

// Remove releases a session slot. The count never goes below zero.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts[userID] <= 1 {
		delete(r.counts, userID)
		return
	}
	r.counts[userID]--
}

// Count returns the user's live session count.
func (r *Registry) Count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[userID]
}
