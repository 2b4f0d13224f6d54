package session

import (
	"context"
	"errors"
	"slices"
)

// Common errors for session operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by CreateSession when the supplied
	// session ID collides with an existing session.
	ErrSessionExists = errors.New("session already exists")
	// ErrServiceClosed is returned when operating on a closed service.
	ErrServiceClosed = errors.New("session service is closed")
)

// Service stores sessions and their event logs.
// Implementations must be safe for concurrent use.
type Service interface {
	// CreateSession creates a new session. A random ID is generated when
	// sessionID is empty. Returns ErrSessionExists if the ID is taken.
	// The returned session's State is the merged app/user/session view and
	// its event list is empty.
	CreateSession(ctx context.Context, appName, userID, sessionID string, state map[string]any) (*Session, error)

	// GetSession retrieves a session with its events in chronological
	// order, optionally filtered by cfg. Returns ErrSessionNotFound if the
	// session doesn't exist.
	GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetConfig) (*Session, error)

	// ListSessions lists the sessions of one user, or of every user of the
	// application when userID is empty. Listed sessions carry merged state
	// but no events.
	ListSessions(ctx context.Context, appName, userID string) ([]*Session, error)

	// DeleteSession removes a session and all of its events.
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error

	// AppendEvent appends one event to the session, applying its state
	// delta. Partial events are returned unmodified without touching
	// storage. If another writer updated the session since sess was last
	// loaded, the authoritative state and events are reloaded into sess
	// before the append proceeds. On success sess reflects the persisted
	// result: the event is added to sess.Events, its delta to sess.State,
	// and sess.LastUpdateTime matches the stored update time.
	AppendEvent(ctx context.Context, sess *Session, event *Event) (*Event, error)

	// Close releases resources held by the service. Safe to call more
	// than once.
	Close() error
}

// GetOrCreateSession returns the user's most recently updated session, or
// creates a new one if the user has none. Chat transports call this between
// webhook deliveries to resume the running conversation.
func GetOrCreateSession(ctx context.Context, svc Service, appName, userID string) (*Session, error) {
	sessions, err := svc.ListSessions(ctx, appName, userID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return svc.CreateSession(ctx, appName, userID, "", nil)
	}
	latest := sessions[0]
	for _, s := range sessions[1:] {
		if s.LastUpdateTime.After(latest.LastUpdateTime) {
			latest = s
		}
	}
	return svc.GetSession(ctx, appName, userID, latest.ID, nil)
}

// applyEventToSession updates the caller's in-memory session after a
// successful append: the event joins the log, its non-temp delta keys land
// in the merged state view, and the version marker advances.
func applyEventToSession(sess *Session, event *Event) {
	if sess.State == nil {
		sess.State = make(map[string]any)
	}
	for key, value := range event.StateDelta() {
		sess.State[key] = value
	}
	sess.Events = append(sess.Events, event)
	sess.LastUpdateTime = event.Timestamp
}

// sortEventsByTimestamp orders events chronologically. The stored log is
// ordered by the timestamp field, not by insertion, so out-of-order appends
// still read back sorted.
func sortEventsByTimestamp(events []*Event) {
	slices.SortStableFunc(events, func(a, b *Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// filterEvents applies the GetConfig recency window: drop events before
// AfterTimestamp, then keep the NumRecentEvents newest. Input must be in
// chronological order; output preserves it.
func filterEvents(events []*Event, cfg *GetConfig) []*Event {
	if cfg == nil {
		return events
	}
	if !cfg.AfterTimestamp.IsZero() {
		kept := events[:0:0]
		for _, ev := range events {
			if !ev.Timestamp.Before(cfg.AfterTimestamp) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	if cfg.NumRecentEvents > 0 && len(events) > cfg.NumRecentEvents {
		events = events[len(events)-cfg.NumRecentEvents:]
	}
	return events
}
