package events

import (
	"testing"

	"tradegate/internal/domain"
)

func TestBusFiltersByUser(t *testing.T) {
	b := NewBus()
	allID, all := b.Subscribe("", 4)
	_, u1 := b.Subscribe("U1", 4)

	b.Publish(domain.TransitionEvent{AttemptID: "a1", UserID: "U1", To: domain.StateEnriched})
	b.Publish(domain.TransitionEvent{AttemptID: "b1", UserID: "U2", To: domain.StateEnriched})

	if len(all) != 2 {
		t.Errorf("wildcard subscriber got %d events, want 2", len(all))
	}
	if len(u1) != 1 {
		t.Fatalf("U1 subscriber got %d events, want 1", len(u1))
	}
	if e := <-u1; e.AttemptID != "a1" {
		t.Errorf("U1 got %q, want a1", e.AttemptID)
	}

	if n := b.Subscribers(); n != 2 {
		t.Errorf("Subscribers = %d, want 2", n)
	}
	b.Unsubscribe(allID)
	for range all {
	}
	b.Unsubscribe(allID) // idempotent
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	b := NewBus()
	_, ch := b.Subscribe("", 1)
	for i := 0; i < 3; i++ {
		b.Publish(domain.TransitionEvent{UserID: "U1"})
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
}
