package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEvent(author string, ts time.Time, delta map[string]any) *Event {
	ev := NewEvent("inv-1", author)
	ev.Timestamp = ts
	if delta != nil {
		ev.Actions = &EventActions{StateDelta: delta}
	}
	return ev
}

func TestInMemoryCreateAndGet(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", map[string]any{
		"app:club_name": "FC Test",
		"user:language": "de",
		"temp:scratch":  "never stored",
		"screen":        "home",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if created.ID != "sess-1" {
		t.Errorf("ID = %q, want sess-1", created.ID)
	}
	if created.LastUpdateTime.IsZero() {
		t.Error("LastUpdateTime not set")
	}

	got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State["app:club_name"] != "FC Test" {
		t.Errorf("app key missing from merged state: %v", got.State)
	}
	if got.State["user:language"] != "de" {
		t.Errorf("user key missing from merged state: %v", got.State)
	}
	if got.State["screen"] != "home" {
		t.Errorf("session key missing from merged state: %v", got.State)
	}
	if _, ok := got.State["temp:scratch"]; ok {
		t.Error("temp key must never be persisted")
	}
}

func TestInMemoryCreateGeneratesID(t *testing.T) {
	svc := NewInMemoryService()

	sess, err := svc.CreateSession(context.Background(), "club-admin", "user-1", "", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected generated session ID")
	}
}

func TestInMemoryCreateDuplicate(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "club-admin", "user-1", "dup", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	_, err := svc.CreateSession(ctx, "club-admin", "user-1", "dup", nil)
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("error = %v, want ErrSessionExists", err)
	}
}

func TestInMemoryGetNotFound(t *testing.T) {
	svc := NewInMemoryService()

	_, err := svc.GetSession(context.Background(), "club-admin", "user-1", "missing", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestInMemoryAppendEvent(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ev := newTestEvent("user", time.Now().UTC(), map[string]any{
		"screen":        "roster",
		"app:member_of": "league-2",
		"temp:draft":    "discard",
	})
	if _, err := svc.AppendEvent(ctx, sess, ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if sess.LastUpdateTime != ev.Timestamp {
		t.Errorf("LastUpdateTime = %v, want %v", sess.LastUpdateTime, ev.Timestamp)
	}
	if len(sess.Events) != 1 {
		t.Fatalf("len(Events) = %d, want 1", len(sess.Events))
	}

	got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State["screen"] != "roster" {
		t.Errorf("session delta not applied: %v", got.State)
	}
	if got.State["app:member_of"] != "league-2" {
		t.Errorf("app delta not applied: %v", got.State)
	}
	if _, ok := got.State["temp:draft"]; ok {
		t.Error("temp delta key must not persist")
	}
	if len(got.Events) != 1 {
		t.Errorf("len(Events) = %d, want 1", len(got.Events))
	}
}

func TestInMemoryAppendPartialEventSkipsStorage(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	before := sess.LastUpdateTime

	ev := newTestEvent("agent", time.Now().UTC(), map[string]any{"streamed": true})
	ev.Partial = true
	returned, err := svc.AppendEvent(ctx, sess, ev)
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if returned != ev {
		t.Error("partial event must be returned unmodified")
	}

	got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.Events) != 0 {
		t.Errorf("partial event was persisted: %d events", len(got.Events))
	}
	if got.LastUpdateTime != before {
		t.Error("partial event must not advance the update time")
	}
}

func TestInMemoryAppendToMissingSession(t *testing.T) {
	svc := NewInMemoryService()

	phantom := &Session{ID: "ghost", AppName: "club-admin", UserID: "user-1"}
	_, err := svc.AppendEvent(context.Background(), phantom, newTestEvent("user", time.Now(), nil))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestInMemoryEventOrdering(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().UTC()
	// Append out of chronological order; reads must still come back sorted
	// by timestamp.
	for _, offset := range []time.Duration{2 * time.Second, 0, time.Second} {
		if _, err := svc.AppendEvent(ctx, sess, newTestEvent("user", base.Add(offset), nil)); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.Events) != 3 {
		t.Fatalf("len(Events) = %d, want 3", len(got.Events))
	}
	for i := 1; i < len(got.Events); i++ {
		if got.Events[i].Timestamp.Before(got.Events[i-1].Timestamp) {
			t.Errorf("events out of order at %d: %v before %v", i, got.Events[i].Timestamp, got.Events[i-1].Timestamp)
		}
	}
}

func TestInMemoryReappendSameEventOverwrites(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ev := newTestEvent("agent", time.Now().UTC(), nil)
	ev.Content = map[string]any{"text": "first"}
	if _, err := svc.AppendEvent(ctx, sess, ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	updated := *ev
	updated.Content = map[string]any{"text": "second"}
	updated.Timestamp = ev.Timestamp.Add(time.Second)
	if _, err := svc.AppendEvent(ctx, sess, &updated); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.Events) != 1 {
		t.Fatalf("len(Events) = %d, want 1 (same ID overwrites)", len(got.Events))
	}
	if got.Events[0].Content["text"] != "second" {
		t.Errorf("Content = %v, want the overwritten copy", got.Events[0].Content)
	}
}

func TestInMemoryGetConfigFilters(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if _, err := svc.AppendEvent(ctx, sess, newTestEvent("user", base.Add(time.Duration(i)*time.Second), nil)); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	t.Run("num recent", func(t *testing.T) {
		got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", &GetConfig{NumRecentEvents: 2})
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if len(got.Events) != 2 {
			t.Fatalf("len(Events) = %d, want 2", len(got.Events))
		}
		if !got.Events[1].Timestamp.Equal(base.Add(4 * time.Second)) {
			t.Error("expected the two newest events")
		}
	})

	t.Run("after timestamp", func(t *testing.T) {
		got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", &GetConfig{AfterTimestamp: base.Add(3 * time.Second)})
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		// inclusive boundary
		if len(got.Events) != 2 {
			t.Fatalf("len(Events) = %d, want 2", len(got.Events))
		}
	})
}

func TestInMemoryConcurrentWriterReconciliation(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Two callers load the same session.
	viewA, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	viewB, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}

	base := time.Now().UTC()
	// A writes first.
	if _, err := svc.AppendEvent(ctx, viewA, newTestEvent("user", base, map[string]any{"from_a": true})); err != nil {
		t.Fatalf("AppendEvent (A) failed: %v", err)
	}

	// B's view is now stale; its append must first absorb A's write.
	if _, err := svc.AppendEvent(ctx, viewB, newTestEvent("agent", base.Add(time.Second), map[string]any{"from_b": true})); err != nil {
		t.Fatalf("AppendEvent (B) failed: %v", err)
	}

	if viewB.State["from_a"] != true {
		t.Error("stale view was not reconciled with the earlier write")
	}
	if len(viewB.Events) != 2 {
		t.Errorf("len(viewB.Events) = %d, want 2", len(viewB.Events))
	}

	got, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State["from_a"] != true || got.State["from_b"] != true {
		t.Errorf("writes lost after reconciliation: %v", got.State)
	}
	if len(got.Events) != 2 {
		t.Errorf("len(Events) = %d, want 2", len(got.Events))
	}
}

func TestInMemorySharedStateVisibleAcrossSessions(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	s1, err := svc.CreateSession(ctx, "club-admin", "user-1", "s1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := svc.CreateSession(ctx, "club-admin", "user-1", "s2", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := svc.CreateSession(ctx, "club-admin", "user-2", "s3", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ev := newTestEvent("agent", time.Now().UTC(), map[string]any{
		"app:season":    "2026/27",
		"user:language": "de",
	})
	if _, err := svc.AppendEvent(ctx, s1, ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// Same user, other session: sees both shared keys.
	s2, err := svc.GetSession(ctx, "club-admin", "user-1", "s2", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if s2.State["app:season"] != "2026/27" || s2.State["user:language"] != "de" {
		t.Errorf("shared state missing in sibling session: %v", s2.State)
	}

	// Other user: sees the app key but not the user key.
	s3, err := svc.GetSession(ctx, "club-admin", "user-2", "s3", nil)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if s3.State["app:season"] != "2026/27" {
		t.Errorf("app state missing for other user: %v", s3.State)
	}
	if _, ok := s3.State["user:language"]; ok {
		t.Error("user state leaked across users")
	}
}

func TestInMemoryListSessions(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := svc.CreateSession(ctx, "club-admin", "user-1", id, nil); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}
	if _, err := svc.CreateSession(ctx, "club-admin", "user-2", "c", nil); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sessions, err := svc.ListSessions(ctx, "club-admin", "user-1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("len(sessions) = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		if len(s.Events) != 0 {
			t.Error("list results must not hydrate events")
		}
	}

	all, err := svc.ListSessions(ctx, "club-admin", "")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestInMemoryDeleteSession(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "club-admin", "user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := svc.AppendEvent(ctx, sess, newTestEvent("user", time.Now().UTC(), nil)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if err := svc.DeleteSession(ctx, "club-admin", "user-1", "sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := svc.GetSession(ctx, "club-admin", "user-1", "sess-1", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}

	// Deleting again is a no-op.
	if err := svc.DeleteSession(ctx, "club-admin", "user-1", "sess-1"); err != nil {
		t.Errorf("second DeleteSession failed: %v", err)
	}
}

func TestInMemorySessionOnlyScoping(t *testing.T) {
	svc := NewInMemoryService(WithInMemoryScoping(ScopeSessionOnly))
	ctx := context.Background()

	s1, err := svc.CreateSession(ctx, "club-admin", "user-1", "s1", map[string]any{
		"app:season": "2026/27",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if s1.State["app:season"] != "2026/27" {
		t.Errorf("prefixed key missing from own session: %v", s1.State)
	}

	// Prefixed keys are session-local in this mode.
	s2, err := svc.CreateSession(ctx, "club-admin", "user-1", "s2", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, ok := s2.State["app:season"]; ok {
		t.Error("session-only scoping must not share prefixed keys")
	}
}

func TestInMemoryClosed(t *testing.T) {
	svc := NewInMemoryService()
	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := svc.CreateSession(context.Background(), "a", "u", "s", nil); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("error = %v, want ErrServiceClosed", err)
	}
}

func TestGetOrCreateSession(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	// No sessions yet: one is created.
	first, err := GetOrCreateSession(ctx, svc, "club-admin", "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected a created session")
	}

	// Make a second, newer session.
	second, err := svc.CreateSession(ctx, "club-admin", "user-1", "newer", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := svc.AppendEvent(ctx, second, newTestEvent("user", time.Now().UTC().Add(time.Hour), nil)); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	got, err := GetOrCreateSession(ctx, svc, "club-admin", "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if got.ID != "newer" {
		t.Errorf("ID = %q, want the most recently updated session", got.ID)
	}
}
