package syncer

import (
	"testing"
)

func mustSubscribe(t *testing.T, hub *Hub, workspaceID, rootID string) *Session {
	t.Helper()
	s, err := hub.Subscribe(workspaceID, rootID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return s
}

func drain(s *Session) []Update {
	var got []Update
	for {
		select {
		case u := <-s.Updates():
			got = append(got, u)
		default:
			return got
		}
	}
}

func TestPublishExcludesOriginator(t *testing.T) {
	hub := NewHub(8)

	a := mustSubscribe(t, hub, "ws1", "Order.SY.001")
	b := mustSubscribe(t, hub, "ws1", "Order.SY.001")
	c := mustSubscribe(t, hub, "ws1", "Order.SY.001")

	hub.Publish(Update{WorkspaceID: "ws1", RootID: "Order.SY.001", Diff: "d", Origin: a.ID, Version: 1})

	if got := drain(a); len(got) != 0 {
		t.Fatalf("originator received its own update: %v", got)
	}
	for _, s := range []*Session{b, c} {
		got := drain(s)
		if len(got) != 1 || got[0].Version != 1 {
			t.Fatalf("session %s got %v, want exactly the published update", s.ID, got)
		}
	}
}

func TestPublishIsScopedToPair(t *testing.T) {
	hub := NewHub(8)

	same := mustSubscribe(t, hub, "ws1", "Order.SY.001")
	otherRoot := mustSubscribe(t, hub, "ws1", "Billing.SY.002")
	otherWS := mustSubscribe(t, hub, "ws2", "Order.SY.001")

	hub.Publish(Update{WorkspaceID: "ws1", RootID: "Order.SY.001", Diff: "d", Version: 1})

	if len(drain(same)) != 1 {
		t.Fatal("session on the published pair received nothing")
	}
	if len(drain(otherRoot)) != 0 || len(drain(otherWS)) != 0 {
		t.Fatal("update leaked across canvas pairs")
	}
}

func TestPublishDropsWhenQueueFullAndFlagsLagged(t *testing.T) {
	hub := NewHub(2)

	slow := mustSubscribe(t, hub, "ws1", "Order.SY.001")
	fast := mustSubscribe(t, hub, "ws1", "Order.SY.001")

	for v := int64(1); v <= 4; v++ {
		hub.Publish(Update{WorkspaceID: "ws1", RootID: "Order.SY.001", Diff: "d", Version: v})
		drain(fast)
	}

	got := drain(slow)
	if len(got) != 2 {
		t.Fatalf("bounded queue held %d updates, want 2", len(got))
	}
	if got[0].Version != 1 || got[1].Version != 2 {
		t.Fatalf("retained updates = %v, want oldest two in order", got)
	}
	if !slow.Lagged() {
		t.Fatal("dropped delivery must flag the session lagged")
	}
	if fast.Lagged() {
		t.Fatal("keeping-up session wrongly flagged lagged")
	}

	slow.ClearLagged()
	if slow.Lagged() {
		t.Fatal("ClearLagged did not reset the flag")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(8)
	s := mustSubscribe(t, hub, "ws1", "Order.SY.001")

	hub.Unsubscribe("ws1", "Order.SY.001", s.ID)
	if _, open := <-s.Updates(); open {
		t.Fatal("unsubscribed session channel still open")
	}
	if n := hub.SessionCount("ws1", "Order.SY.001"); n != 0 {
		t.Fatalf("session count = %d after unsubscribe, want 0", n)
	}

	// Publishing to an empty pair is a no-op.
	hub.Publish(Update{WorkspaceID: "ws1", RootID: "Order.SY.001", Version: 1})
}
