package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// storedSession is the in-memory record for a single session. Events are
// keyed by event ID so re-appending an event overwrites the previous copy.
type storedSession struct {
	state      map[string]any
	events     map[string]*Event
	updateTime time.Time
}

// InMemoryService is a map-backed Service implementation. It is intended
// for tests and local development; nothing survives process restart.
type InMemoryService struct {
	// sessions is keyed app name -> user ID -> session ID.
	sessions  map[string]map[string]map[string]*storedSession
	userState map[string]map[string]map[string]any
	appState  map[string]map[string]any

	scoping Scoping
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Service = (*InMemoryService)(nil)

// InMemoryOption configures an InMemoryService.
type InMemoryOption func(*InMemoryService)

// WithInMemoryScoping selects the state scoping mode.
func WithInMemoryScoping(scoping Scoping) InMemoryOption {
	return func(s *InMemoryService) {
		s.scoping = scoping
	}
}

// WithInMemoryLogger sets the logger.
func WithInMemoryLogger(logger *slog.Logger) InMemoryOption {
	return func(s *InMemoryService) {
		s.logger = logger
	}
}

// NewInMemoryService creates an empty InMemoryService.
func NewInMemoryService(opts ...InMemoryOption) *InMemoryService {
	s := &InMemoryService{
		sessions:  make(map[string]map[string]map[string]*storedSession),
		userState: make(map[string]map[string]map[string]any),
		appState:  make(map[string]map[string]any),
		scoping:   ScopePartitioned,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession creates a new session, seeding partitioned state from the
// initial state map.
func (s *InMemoryService) CreateSession(ctx context.Context, appName, userID, sessionID string, state map[string]any) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if _, ok := s.sessions[appName][userID][sessionID]; ok {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, ErrSessionExists)
	}

	appDelta, userDelta, sessState := splitState(state, s.scoping)
	now := time.Now().UTC()

	if _, ok := s.sessions[appName]; !ok {
		s.sessions[appName] = make(map[string]map[string]*storedSession)
	}
	if _, ok := s.sessions[appName][userID]; !ok {
		s.sessions[appName][userID] = make(map[string]*storedSession)
	}
	s.sessions[appName][userID][sessionID] = &storedSession{
		state:      deepCopyState(sessState),
		events:     make(map[string]*Event),
		updateTime: now,
	}
	s.applyAppDelta(appName, appDelta)
	s.applyUserDelta(appName, userID, userDelta)

	s.logger.InfoContext(ctx, "created session",
		slog.String("app_name", appName),
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
	)

	return s.assembleLocked(appName, userID, sessionID, nil)
}

// GetSession returns a session with merged state and its events, filtered
// by cfg when provided.
func (s *InMemoryService) GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetConfig) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	if _, ok := s.sessions[appName][userID][sessionID]; !ok {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, ErrSessionNotFound)
	}
	return s.assembleLocked(appName, userID, sessionID, cfg)
}

// ListSessions returns all sessions for the user, without events. An empty
// userID lists sessions across every user of the app.
func (s *InMemoryService) ListSessions(ctx context.Context, appName, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	userIDs := []string{userID}
	if userID == "" {
		userIDs = userIDs[:0]
		for uid := range s.sessions[appName] {
			userIDs = append(userIDs, uid)
		}
	}

	var out []*Session
	for _, uid := range userIDs {
		for sid, stored := range s.sessions[appName][uid] {
			out = append(out, &Session{
				ID:             sid,
				AppName:        appName,
				UserID:         uid,
				State:          mergeState(s.appState[appName], s.userState[appName][uid], stored.state),
				LastUpdateTime: stored.updateTime,
			})
		}
	}
	return out, nil
}

// DeleteSession removes a session and its events. Deleting a missing
// session is a no-op.
func (s *InMemoryService) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	delete(s.sessions[appName][userID], sessionID)
	return nil
}

// AppendEvent appends an event to the stored session and applies its state
// delta across the partitions. If the stored session has been updated since
// sess was loaded, the caller's session is refreshed from storage before
// the event is applied.
func (s *InMemoryService) AppendEvent(ctx context.Context, sess *Session, event *Event) (*Event, error) {
	if event.Partial {
		return event, nil
	}
	event = trimEventTempState(event)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	stored, ok := s.sessions[sess.AppName][sess.UserID][sess.ID]
	if !ok {
		return nil, fmt.Errorf("session %s/%s/%s: %w", sess.AppName, sess.UserID, sess.ID, ErrSessionNotFound)
	}

	if stored.updateTime.After(sess.LastUpdateTime) {
		s.logger.InfoContext(ctx, "session modified since load, refreshing",
			slog.String("session_id", sess.ID),
			slog.Time("stored_update_time", stored.updateTime),
			slog.Time("session_update_time", sess.LastUpdateTime),
		)
		refreshed, err := s.assembleLocked(sess.AppName, sess.UserID, sess.ID, nil)
		if err != nil {
			return nil, err
		}
		sess.State = refreshed.State
		sess.Events = refreshed.Events
		sess.LastUpdateTime = refreshed.LastUpdateTime
	}

	appDelta, userDelta, sessDelta := splitState(event.StateDelta(), s.scoping)
	s.applyAppDelta(sess.AppName, appDelta)
	s.applyUserDelta(sess.AppName, sess.UserID, userDelta)
	for k, v := range sessDelta {
		stored.state[k] = v
	}
	stored.events[event.ID] = event
	stored.updateTime = event.Timestamp

	applyEventToSession(sess, event)
	return event, nil
}

// Close marks the service closed. Subsequent operations fail with
// ErrServiceClosed.
func (s *InMemoryService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// assembleLocked builds a caller-owned Session from stored data. The caller
// must hold s.mu.
func (s *InMemoryService) assembleLocked(appName, userID, sessionID string, cfg *GetConfig) (*Session, error) {
	stored := s.sessions[appName][userID][sessionID]

	events := make([]*Event, 0, len(stored.events))
	for _, ev := range stored.events {
		events = append(events, ev)
	}
	sortEventsByTimestamp(events)
	events = filterEvents(events, cfg)

	return &Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          mergeState(s.appState[appName], s.userState[appName][userID], stored.state),
		Events:         events,
		LastUpdateTime: stored.updateTime,
	}, nil
}

func (s *InMemoryService) applyAppDelta(appName string, delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if _, ok := s.appState[appName]; !ok {
		s.appState[appName] = make(map[string]any)
	}
	for k, v := range delta {
		s.appState[appName][k] = v
	}
}

func (s *InMemoryService) applyUserDelta(appName, userID string, delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	if _, ok := s.userState[appName]; !ok {
		s.userState[appName] = make(map[string]map[string]any)
	}
	if _, ok := s.userState[appName][userID]; !ok {
		s.userState[appName][userID] = make(map[string]any)
	}
	for k, v := range delta {
		s.userState[appName][userID][k] = v
	}
}
