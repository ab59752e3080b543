package notify

import (
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	defer cancel()

	b.PublishEmailUpdated("u1", 42, true)

	select {
	case ev := <-ch:
		if ev.Kind != EmailUpdated {
			t.Errorf("Expected kind %s, got %s", EmailUpdated, ev.Kind)
		}
		if ev.EmailID != 42 || !ev.IsRead {
			t.Errorf("Unexpected event payload: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected an event")
	}
}

func TestPublish_OnlyReachesOwnUser(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	defer cancel()

	b.PublishEmailDeleted("u2", 7)

	select {
	case ev := <-ch:
		t.Errorf("Did not expect an event for another user, got %+v", ev)
	default:
	}
}

func TestCancel_ClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	cancel()

	if _, open := <-ch; open {
		t.Error("Expected channel to be closed after cancel")
	}

	// Publishing after cancel must not panic.
	b.PublishUnreadCount("u1", 3)
}

func TestPublish_DoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe("u1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			b.PublishUnreadCount("u1", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnreadCountEvent(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("u1")
	defer cancel()

	b.PublishUnreadCount("u1", 5)

	ev := <-ch
	if ev.Kind != UnreadCountChanged || ev.UnreadCount != 5 {
		t.Errorf("Unexpected event: %+v", ev)
	}
}
