package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matchday-ai/matchday/internal/observability"
	obs "github.com/matchday-ai/matchday/pkg/observability"
)

// DefaultCollectionPrefix namespaces this layer's collections so they never
// collide with an application's own collections in the same database.
const DefaultCollectionPrefix = "matchday"

// FirestoreService is the reference Service implementation, backed by Google
// Cloud Firestore.
//
// Document layout:
//   - {prefix}_sessions/{app}/users/{user}/sessions/{session}
//   - {prefix}_sessions/{app}/users/{user}/sessions/{session}/events/{event}
//   - {prefix}_app_states/{app}
//   - {prefix}_user_states/{app}/users/{user}
//
// The client is created lazily on first use, so constructing the service
// never blocks and environment configuration can settle first.
type FirestoreService struct {
	projectID  string
	databaseID string
	prefix     string
	scoping    Scoping
	clientOpts []option.ClientOption
	logger     *slog.Logger

	client atomic.Pointer[firestore.Client]
	mu     sync.Mutex
}

var _ Service = (*FirestoreService)(nil)

// FirestoreOption configures a FirestoreService.
type FirestoreOption func(*FirestoreService)

// WithProjectID sets the GCP project ID. When empty, the client resolves the
// default project from the environment.
func WithProjectID(projectID string) FirestoreOption {
	return func(s *FirestoreService) { s.projectID = projectID }
}

// WithDatabase selects a named Firestore database instead of "(default)".
func WithDatabase(databaseID string) FirestoreOption {
	return func(s *FirestoreService) { s.databaseID = databaseID }
}

// WithCollectionPrefix overrides the physical collection name prefix.
func WithCollectionPrefix(prefix string) FirestoreOption {
	return func(s *FirestoreService) { s.prefix = prefix }
}

// WithScoping selects the state partitioning model.
func WithScoping(scoping Scoping) FirestoreOption {
	return func(s *FirestoreService) { s.scoping = scoping }
}

// WithClientOptions passes extra options to the Firestore client, e.g.
// option.WithCredentialsFile.
func WithClientOptions(opts ...option.ClientOption) FirestoreOption {
	return func(s *FirestoreService) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) FirestoreOption {
	return func(s *FirestoreService) { s.logger = logger }
}

// NewFirestoreService creates a Firestore-backed session service. No
// connection is made until the first operation.
func NewFirestoreService(opts ...FirestoreOption) *FirestoreService {
	s := &FirestoreService{
		prefix:  DefaultCollectionPrefix,
		logger:  slog.Default(),
		scoping: ScopePartitioned,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getClient returns the shared Firestore client, creating it on first use.
// The atomic fast path avoids the mutex once the client exists; the re-check
// under the lock keeps racing first callers from constructing two clients.
func (s *FirestoreService) getClient(ctx context.Context) (*firestore.Client, error) {
	if c := s.client.Load(); c != nil {
		return c, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.client.Load(); c != nil {
		return c, nil
	}
	var (
		c   *firestore.Client
		err error
	)
	if s.databaseID != "" && s.databaseID != firestore.DefaultDatabaseID {
		c, err = firestore.NewClientWithDatabase(ctx, s.projectID, s.databaseID, s.clientOpts...)
	} else {
		c, err = firestore.NewClient(ctx, s.projectID, s.clientOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	s.client.Store(c)
	return c, nil
}

// Close releases the Firestore client. Calling Close with no client, or
// twice in a row, is a no-op.
func (s *FirestoreService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.client.Swap(nil); c != nil {
		return c.Close()
	}
	return nil
}

func (s *FirestoreService) collectionName(name string) string {
	return s.prefix + "_" + name
}

func (s *FirestoreService) sessionsCollection(c *firestore.Client, appName, userID string) *firestore.CollectionRef {
	return c.Collection(s.collectionName("sessions")).
		Doc(appName).
		Collection("users").
		Doc(userID).
		Collection("sessions")
}

func (s *FirestoreService) sessionRef(c *firestore.Client, appName, userID, sessionID string) *firestore.DocumentRef {
	return s.sessionsCollection(c, appName, userID).Doc(sessionID)
}

func (s *FirestoreService) appStateRef(c *firestore.Client, appName string) *firestore.DocumentRef {
	return c.Collection(s.collectionName("app_states")).Doc(appName)
}

func (s *FirestoreService) userStateRef(c *firestore.Client, appName, userID string) *firestore.DocumentRef {
	return c.Collection(s.collectionName("user_states")).
		Doc(appName).
		Collection("users").
		Doc(userID)
}

// readPartition fetches one shared state partition. A missing document reads
// as an empty partition; with init set, the empty document is also written
// so later partial updates have something to merge into.
func readPartition(ctx context.Context, ref *firestore.DocumentRef, init bool) (map[string]any, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) != codes.NotFound {
			return nil, fmt.Errorf("get state partition: %w", err)
		}
		if init {
			if _, err := ref.Set(ctx, map[string]any{fieldState: map[string]any{}}); err != nil {
				return nil, fmt.Errorf("init state partition: %w", err)
			}
		}
		return map[string]any{}, nil
	}
	return docState(snap.Data(), fieldState), nil
}

// fetchShared loads the app and user partitions concurrently. Under
// ScopeSessionOnly both are empty and no reads are issued.
func (s *FirestoreService) fetchShared(ctx context.Context, c *firestore.Client, appName, userID string, init bool) (appState, userState map[string]any, err error) {
	if s.scoping == ScopeSessionOnly {
		return map[string]any{}, map[string]any{}, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		appState, err = readPartition(gctx, s.appStateRef(c, appName), init)
		return err
	})
	g.Go(func() error {
		var err error
		userState, err = readPartition(gctx, s.userStateRef(c, appName, userID), init)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return appState, userState, nil
}

// CreateSession creates a new session document, seeding the app/user
// partitions with any prefixed keys of the initial state.
func (s *FirestoreService) CreateSession(ctx context.Context, appName, userID, sessionID string, state map[string]any) (_ *Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.create")
	defer span.End()
	defer obs.TimeSessionOp("firestore", "create", time.Now())(&err)

	c, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	s.logger.InfoContext(ctx, "creating session",
		slog.String("app_name", appName),
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
	)

	ref := s.sessionRef(c, appName, userID, sessionID)
	snap, err := ref.Get(ctx)
	switch {
	case err == nil && snap.Exists():
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionExists)
	case err != nil && status.Code(err) != codes.NotFound:
		return nil, fmt.Errorf("check session %q: %w", sessionID, err)
	}

	appState, userState, err := s.fetchShared(ctx, c, appName, userID, true)
	if err != nil {
		return nil, err
	}

	appDelta, userDelta, sessionState := splitState(state, s.scoping)
	if len(appDelta) > 0 {
		maps.Copy(appState, appDelta)
		if _, err := s.appStateRef(c, appName).Set(ctx, map[string]any{fieldState: appState}); err != nil {
			return nil, fmt.Errorf("update app state: %w", err)
		}
	}
	if len(userDelta) > 0 {
		maps.Copy(userState, userDelta)
		if _, err := s.userStateRef(c, appName, userID).Set(ctx, map[string]any{fieldState: userState}); err != nil {
			return nil, fmt.Errorf("update user state: %w", err)
		}
	}

	now := time.Now().UTC()
	if _, err := ref.Set(ctx, map[string]any{
		fieldAppName:    appName,
		fieldUserID:     userID,
		fieldID:         sessionID,
		fieldState:      sessionState,
		fieldCreateTime: now,
		fieldUpdateTime: now,
	}); err != nil {
		return nil, fmt.Errorf("create session %q: %w", sessionID, err)
	}

	return &Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          mergeState(appState, userState, sessionState),
		Events:         []*Event{},
		LastUpdateTime: now,
	}, nil
}

// GetSession fetches a session, its filtered event log in chronological
// order, and the merged three-partition state view.
func (s *FirestoreService) GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetConfig) (_ *Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.get")
	defer span.End()
	defer obs.TimeSessionOp("firestore", "get", time.Now())(&err)

	c, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ref := s.sessionRef(c, appName, userID, sessionID)
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("get session %q: %w", sessionID, err)
	}
	data := snap.Data()

	events, err := s.loadEvents(ctx, ref, cfg)
	if err != nil {
		return nil, err
	}
	appState, userState, err := s.fetchShared(ctx, c, appName, userID, false)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          mergeState(appState, userState, docState(data, fieldState)),
		Events:         events,
		LastUpdateTime: docTime(data, fieldUpdateTime),
	}, nil
}

// loadEvents reads the session's events. The log is append-ordered, so the
// only cheap way to take the N most recent is to read the timestamp index
// backwards and reverse the page into chronological order.
func (s *FirestoreService) loadEvents(ctx context.Context, ref *firestore.DocumentRef, cfg *GetConfig) ([]*Event, error) {
	query := ref.Collection("events").Query.OrderBy(fieldTimestamp, firestore.Desc)
	if cfg != nil && !cfg.AfterTimestamp.IsZero() {
		query = query.Where(fieldTimestamp, ">=", cfg.AfterTimestamp)
	}
	if cfg != nil && cfg.NumRecentEvents > 0 {
		query = query.Limit(cfg.NumRecentEvents)
	}
	events, err := collectEvents(query.Documents(ctx))
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

// loadAllEventsAscending reads the complete event log in chronological
// order, used when reconciling a stale in-memory session.
func (s *FirestoreService) loadAllEventsAscending(ctx context.Context, ref *firestore.DocumentRef) ([]*Event, error) {
	query := ref.Collection("events").Query.OrderBy(fieldTimestamp, firestore.Asc)
	return collectEvents(query.Documents(ctx))
}

func collectEvents(iter *firestore.DocumentIterator) ([]*Event, error) {
	defer iter.Stop()
	var events []*Event
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate events: %w", err)
		}
		event, err := docToEvent(doc.Data())
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", doc.Ref.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// ListSessions lists one user's sessions, or every user's when userID is
// empty. Events are not hydrated for list results.
func (s *FirestoreService) ListSessions(ctx context.Context, appName, userID string) (_ []*Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.list")
	defer span.End()
	defer obs.TimeSessionOp("firestore", "list", time.Now())(&err)

	c, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	var appState map[string]any
	if s.scoping == ScopeSessionOnly {
		appState = map[string]any{}
	} else if appState, err = readPartition(ctx, s.appStateRef(c, appName), false); err != nil {
		return nil, err
	}

	if userID != "" {
		var userState map[string]any
		if s.scoping == ScopeSessionOnly {
			userState = map[string]any{}
		} else if userState, err = readPartition(ctx, s.userStateRef(c, appName, userID), false); err != nil {
			return nil, err
		}
		return s.listUserSessions(ctx, c, appName, userID, appState, userState)
	}

	userStates, err := s.loadUserStates(ctx, c, appName)
	if err != nil {
		return nil, err
	}

	// The user documents under the sessions collection are virtual (only
	// their subcollections were ever written), so enumerate refs rather
	// than snapshots.
	var sessions []*Session
	userRefs := c.Collection(s.collectionName("sessions")).
		Doc(appName).
		Collection("users").
		DocumentRefs(ctx)
	for {
		userRef, err := userRefs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate users: %w", err)
		}
		userSessions, err := s.listUserSessions(ctx, c, appName, userRef.ID, appState, userStates[userRef.ID])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, userSessions...)
	}
	return sessions, nil
}

func (s *FirestoreService) listUserSessions(ctx context.Context, c *firestore.Client, appName, userID string, appState, userState map[string]any) ([]*Session, error) {
	if userState == nil {
		userState = map[string]any{}
	}
	iter := s.sessionsCollection(c, appName, userID).Documents(ctx)
	defer iter.Stop()

	var sessions []*Session
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate sessions: %w", err)
		}
		data := doc.Data()
		id := docString(data, fieldID)
		if id == "" {
			id = doc.Ref.ID
		}
		sessions = append(sessions, &Session{
			ID:             id,
			AppName:        appName,
			UserID:         userID,
			State:          mergeState(appState, userState, docState(data, fieldState)),
			Events:         []*Event{},
			LastUpdateTime: docTime(data, fieldUpdateTime),
		})
	}
	return sessions, nil
}

// loadUserStates preloads every user partition of an application, keyed by
// user ID, to avoid one read per user while listing.
func (s *FirestoreService) loadUserStates(ctx context.Context, c *firestore.Client, appName string) (map[string]map[string]any, error) {
	states := make(map[string]map[string]any)
	if s.scoping == ScopeSessionOnly {
		return states, nil
	}
	iter := c.Collection(s.collectionName("user_states")).
		Doc(appName).
		Collection("users").
		Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate user states: %w", err)
		}
		states[doc.Ref.ID] = docState(doc.Data(), fieldState)
	}
	return states, nil
}

// DeleteSession removes the session and every event under it. Firestore
// does not cascade subcollection deletes, so the events go first, batched
// through a BulkWriter.
func (s *FirestoreService) DeleteSession(ctx context.Context, appName, userID, sessionID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "session.delete")
	defer span.End()
	defer obs.TimeSessionOp("firestore", "delete", time.Now())(&err)

	c, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "deleting session",
		slog.String("app_name", appName),
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
	)

	ref := s.sessionRef(c, appName, userID, sessionID)
	bw := c.BulkWriter(ctx)
	eventRefs := ref.Collection("events").DocumentRefs(ctx)
	for {
		eventRef, err := eventRefs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("iterate event refs: %w", err)
		}
		if _, err := bw.Delete(eventRef); err != nil {
			bw.End()
			return fmt.Errorf("queue event delete: %w", err)
		}
	}
	bw.End()

	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	return nil
}

// AppendEvent persists one event and its state delta, reconciling first if
// another writer advanced the session since sess was loaded.
//
// The write sequence is partition updates, then the update-time bump, then
// the event insert; there is no cross-document transaction, so a failure
// mid-sequence leaves partial effects.
func (s *FirestoreService) AppendEvent(ctx context.Context, sess *Session, event *Event) (_ *Event, err error) {
	if event.Partial {
		return event, nil
	}
	ctx, span := observability.StartSpan(ctx, "session.append_event")
	defer span.End()
	defer obs.TimeSessionOp("firestore", "append_event", time.Now())(&err)

	event = trimEventTempState(event)

	c, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}
	ref := s.sessionRef(c, sess.AppName, sess.UserID, sess.ID)
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("append to session %q: %w", sess.ID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("get session %q: %w", sess.ID, err)
	}
	data := snap.Data()

	// Optimistic concurrency: a stored update time newer than the one the
	// caller holds means another writer appended in between. Refresh the
	// caller's view and proceed; never block or retry.
	if docTime(data, fieldUpdateTime).After(sess.LastUpdateTime) {
		obs.RecordSessionReconciliation("firestore")
		s.logger.InfoContext(ctx, "session updated concurrently, reloading",
			slog.String("session_id", sess.ID),
		)
		appState, userState, err := s.fetchShared(ctx, c, sess.AppName, sess.UserID, false)
		if err != nil {
			return nil, err
		}
		sess.State = mergeState(appState, userState, docState(data, fieldState))
		events, err := s.loadAllEventsAscending(ctx, ref)
		if err != nil {
			return nil, err
		}
		sess.Events = events
	}

	if delta := event.StateDelta(); len(delta) > 0 {
		if err := s.applyStateDelta(ctx, c, ref, sess, data, delta); err != nil {
			return nil, err
		}
	}

	if _, err := ref.Update(ctx, []firestore.Update{
		{Path: fieldUpdateTime, Value: event.Timestamp},
	}); err != nil {
		return nil, fmt.Errorf("bump update time: %w", err)
	}

	if _, err := ref.Collection("events").Doc(event.ID).Set(ctx, eventToDoc(sess, event)); err != nil {
		return nil, fmt.Errorf("store event %q: %w", event.ID, err)
	}

	applyEventToSession(sess, event)
	return event, nil
}

// applyStateDelta read-modify-writes each partition touched by the delta.
// The three writes are independent partial updates, not a transaction.
func (s *FirestoreService) applyStateDelta(ctx context.Context, c *firestore.Client, ref *firestore.DocumentRef, sess *Session, sessionData map[string]any, delta map[string]any) error {
	appDelta, userDelta, sessionDelta := splitState(delta, s.scoping)

	if len(appDelta) > 0 {
		appRef := s.appStateRef(c, sess.AppName)
		current, err := readPartition(ctx, appRef, false)
		if err != nil {
			return err
		}
		maps.Copy(current, appDelta)
		if _, err := appRef.Set(ctx, map[string]any{fieldState: current}); err != nil {
			return fmt.Errorf("update app state: %w", err)
		}
	}
	if len(userDelta) > 0 {
		userRef := s.userStateRef(c, sess.AppName, sess.UserID)
		current, err := readPartition(ctx, userRef, false)
		if err != nil {
			return err
		}
		maps.Copy(current, userDelta)
		if _, err := userRef.Set(ctx, map[string]any{fieldState: current}); err != nil {
			return fmt.Errorf("update user state: %w", err)
		}
	}
	if len(sessionDelta) > 0 {
		current := docState(sessionData, fieldState)
		maps.Copy(current, sessionDelta)
		if _, err := ref.Update(ctx, []firestore.Update{
			{Path: fieldState, Value: current},
		}); err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
	}
	return nil
}

// EventCount reports the number of events in a session without fetching
// them, via a server-side aggregation.
func (s *FirestoreService) EventCount(ctx context.Context, appName, userID, sessionID string) (int64, error) {
	c, err := s.getClient(ctx)
	if err != nil {
		return 0, err
	}
	ref := s.sessionRef(c, appName, userID, sessionID)
	aq := ref.Collection("events").Query.NewAggregationQuery().WithCount("count")
	results, err := aq.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	value, ok := results["count"].(*firestorepb.Value)
	if !ok {
		return 0, nil
	}
	return value.GetIntegerValue(), nil
}

// trimEventTempState returns the event with temp: keys stripped from its
// state delta. The event is cloned rather than mutated when trimming is
// needed; ephemeral data stays visible to the caller that produced it but
// never reaches storage.
func trimEventTempState(event *Event) *Event {
	delta := event.StateDelta()
	if delta == nil {
		return event
	}
	trimmed := trimTempState(delta)
	if len(trimmed) == len(delta) {
		return event
	}
	cloned := *event
	actions := *event.Actions
	actions.StateDelta = trimmed
	cloned.Actions = &actions
	return &cloned
}
