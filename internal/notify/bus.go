// Package notify fans mailbox changes out to the REST/notification
// surface. Delivery is best-effort and never blocks the protocol command
// that produced the change.
package notify

import "sync"

// EventKind enumerates the published change kinds.
type EventKind string

const (
	EmailUpdated       EventKind = "emailUpdated"
	EmailDeleted       EventKind = "emailDeleted"
	UnreadCountChanged EventKind = "unreadCountChanged"
)

// Event is one mailbox change for one user.
type Event struct {
	Kind        EventKind
	UserID      string
	EmailID     int64
	IsRead      bool
	UnreadCount int
}

// subscriberBuffer bounds each subscriber channel. A slow subscriber loses
// events rather than stalling the publisher.
const subscriberBuffer = 32

// Bus is a per-user publish/subscribe fan-out.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a listener for one user's events. The returned
// cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(userID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan Event)
	}
	b.subs[userID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[userID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(b.subs, userID)
			}
		}
	}
	return ch, cancel
}

// publish delivers to all of the user's subscribers without blocking;
// events to a full buffer are dropped.
func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishEmailUpdated announces a read-state change on one email.
func (b *Bus) PublishEmailUpdated(userID string, emailID int64, isRead bool) {
	b.publish(Event{Kind: EmailUpdated, UserID: userID, EmailID: emailID, IsRead: isRead})
}

// PublishEmailDeleted announces a deleted email.
func (b *Bus) PublishEmailDeleted(userID string, emailID int64) {
	b.publish(Event{Kind: EmailDeleted, UserID: userID, EmailID: emailID})
}

// PublishUnreadCount announces the user's new unread total.
func (b *Bus) PublishUnreadCount(userID string, count int) {
	b.publish(Event{Kind: UnreadCountChanged, UserID: userID, UnreadCount: count})
}
