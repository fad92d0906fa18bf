package storage

import (
	"testing"
	"time"
)

func TestLogAndQueryEvents(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	mustLogEvent(t, store, Event{
		Type:       EventMessageReceived,
		RemoteAddr: Str("127.0.0.1:5050"),
		ClientName: Str("john"),
		MessageID:  Str("msg-1"),
		Details:    `{"recipients":2}`,
		Timestamp:  now - 1_000,
	})
	mustLogEvent(t, store, Event{
		Type:       EventMessageDispatched,
		ClientName: Str("mike"),
		MessageID:  Str("msg-1"),
		Timestamp:  now,
	})
	mustLogEvent(t, store, Event{
		Type:       EventNewClient,
		RemoteAddr: Str("127.0.0.1:6060"),
		Timestamp:  now,
	})

	all, err := store.GetEvents(EventFilter{MessageID: "msg-1", Limit: 10})
	if err != nil {
		t.Fatalf("GetEvents all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events for msg-1, got %d", len(all))
	}
	if all[0].Type != EventMessageDispatched {
		t.Fatalf("expected newest event MESSAGE_DISPATCHED, got %q", all[0].Type)
	}
	if all[0].Details != "{}" {
		t.Fatalf("expected default details, got %q", all[0].Details)
	}
	if all[1].RemoteAddr == nil || *all[1].RemoteAddr != "127.0.0.1:5050" {
		t.Fatalf("unexpected remote addr %v", all[1].RemoteAddr)
	}
	if all[0].RemoteAddr != nil {
		t.Fatalf("expected NULL remote addr, got %q", *all[0].RemoteAddr)
	}
	if all[0].ID == "" || all[0].ID == all[1].ID {
		t.Fatalf("expected distinct generated ids, got %q and %q", all[0].ID, all[1].ID)
	}

	filtered, err := store.GetEvents(EventFilter{Type: EventMessageReceived, ClientName: "john"})
	if err != nil {
		t.Fatalf("GetEvents filtered failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Details != `{"recipients":2}` {
		t.Fatalf("unexpected filtered events %+v", filtered)
	}

	from := now
	recent, err := store.GetEvents(EventFilter{FromTimestamp: &from})
	if err != nil {
		t.Fatalf("GetEvents recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(recent))
	}

	counts, err := store.CountEvents()
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if counts[EventMessageReceived] != 1 || counts[EventNewClient] != 1 || counts[EventShuttingDown] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestLogEventRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogEvent(Event{Type: "EXPLODED"}); err == nil {
		t.Fatalf("expected unknown event type to fail")
	}
	if err := store.LogEvent(Event{Type: EventStarted, Details: "not json"}); err == nil {
		t.Fatalf("expected invalid details to fail")
	}
	if _, err := store.GetEvents(EventFilter{Type: "EXPLODED"}); err == nil {
		t.Fatalf("expected unknown filter type to fail")
	}
}

func TestLogEventDetails(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogEventDetails(Event{Type: EventActiveClients}, map[string]any{"names": []string{"john", "mike"}}); err != nil {
		t.Fatalf("LogEventDetails failed: %v", err)
	}
	events, err := store.GetEvents(EventFilter{Type: EventActiveClients})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Details != `{"names":["john","mike"]}` {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestPruneExpiredEvents(t *testing.T) {
	store := newTestStore(t)
	store.SetEventRetention(time.Second)

	now := time.Now()
	mustLogEvent(t, store, Event{Type: EventStarting, Timestamp: now.Add(-10 * time.Second).UnixMilli()})
	mustLogEvent(t, store, Event{Type: EventStarted, Timestamp: now.UnixMilli()})

	removed, err := store.PruneExpired(now)
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned event, got %d", removed)
	}

	events, err := store.GetEvents(EventFilter{})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventStarted {
		t.Fatalf("expected only STARTED to remain, got %+v", events)
	}

	if _, err := store.PruneEvents(0); err == nil {
		t.Fatalf("expected zero cutoff to fail")
	}

	store.SetEventRetention(0)
	if store.EventRetention() != DefaultEventRetention {
		t.Fatalf("expected default retention, got %v", store.EventRetention())
	}
}
