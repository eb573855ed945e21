package storage

import (
	"testing"
	"time"
)

func TestSessionEventsFilterAndOrder(t *testing.T) {
	store := newTestStore(t)
	alice := "alice"
	base := nowUnixMilli()

	events := []SessionEvent{
		{EventType: SessionEventConnected, RemoteAddr: "127.0.0.1:5000", Timestamp: base - 3000},
		{EventType: SessionEventUsernameClaimed, RemoteAddr: "127.0.0.1:5000", Username: &alice, Timestamp: base - 2000},
		{EventType: SessionEventPeerLinked, RemoteAddr: "127.0.0.1:5000", Username: &alice, Details: "bob", Timestamp: base - 1000},
	}
	for _, event := range events {
		if err := store.RecordSessionEvent(event); err != nil {
			t.Fatalf("RecordSessionEvent failed: %v", err)
		}
	}

	all, err := store.GetSessionEvents(SessionEventFilter{})
	if err != nil {
		t.Fatalf("GetSessionEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].EventType != SessionEventPeerLinked {
		t.Fatalf("expected newest first, got %q", all[0].EventType)
	}
	if all[2].Username != nil {
		t.Fatalf("expected nil username on connect event")
	}

	byUser, err := store.GetSessionEvents(SessionEventFilter{Username: "alice"})
	if err != nil {
		t.Fatalf("GetSessionEvents by username failed: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(byUser))
	}

	from := base - 1500
	recent, err := store.GetSessionEvents(SessionEventFilter{FromTimestamp: &from})
	if err != nil {
		t.Fatalf("GetSessionEvents by time failed: %v", err)
	}
	if len(recent) != 1 || recent[0].Details != "bob" {
		t.Fatalf("unexpected recent events: %+v", recent)
	}

	if _, err := store.GetSessionEvents(SessionEventFilter{EventType: "bogus"}); err == nil {
		t.Fatalf("expected invalid event type to fail")
	}
}

func TestRecordSessionEventValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordSessionEvent(SessionEvent{EventType: "bogus", RemoteAddr: "x"}); err == nil {
		t.Fatalf("expected invalid event type to fail")
	}
	if err := store.RecordSessionEvent(SessionEvent{EventType: SessionEventConnected}); err == nil {
		t.Fatalf("expected missing remote_addr to fail")
	}
}

func TestSessionEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSessionEventRetention(time.Hour)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := store.RecordSessionEvent(SessionEvent{
		EventType:  SessionEventConnected,
		RemoteAddr: "127.0.0.1:1",
		Timestamp:  old,
	}); err != nil {
		t.Fatalf("RecordSessionEvent old failed: %v", err)
	}
	if err := store.RecordSessionEvent(SessionEvent{
		EventType:  SessionEventDisconnected,
		RemoteAddr: "127.0.0.1:1",
	}); err != nil {
		t.Fatalf("RecordSessionEvent new failed: %v", err)
	}

	events, err := store.GetSessionEvents(SessionEventFilter{})
	if err != nil {
		t.Fatalf("GetSessionEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != SessionEventDisconnected {
		t.Fatalf("expected only recent event to survive, got %+v", events)
	}
}
