package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matchday-ai/matchday/internal/observability"
	obs "github.com/matchday-ai/matchday/pkg/observability"
)

// DefaultRedisPrefix is the key prefix used when RedisConfig.Prefix is empty.
const DefaultRedisPrefix = "matchday:session:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys.
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
	// Scoping selects partitioned or session-only state.
	Scoping Scoping
}

// RedisService implements Service backed by Redis. Session records, state
// partitions, and events are stored as JSON; events live in a per-session
// hash keyed by event ID so re-appends overwrite in place.
type RedisService struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	scoping Scoping
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Service = (*RedisService)(nil)

// redisSessionRecord is the stored form of a session without its events.
type redisSessionRecord struct {
	ID         string         `json:"id"`
	AppName    string         `json:"appName"`
	UserID     string         `json:"userId"`
	State      map[string]any `json:"state"`
	CreateTime time.Time      `json:"createTime"`
	UpdateTime time.Time      `json:"updateTime"`
}

// NewRedisService creates a RedisService and verifies connectivity.
func NewRedisService(cfg RedisConfig) (*RedisService, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	svc := NewRedisServiceFromClient(client, cfg.Prefix, cfg.SessionTTL)
	svc.scoping = cfg.Scoping
	return svc, nil
}

// NewRedisServiceFromClient creates a RedisService from an existing client.
// This is useful for testing with miniredis.
func NewRedisServiceFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisService {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisService{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		scoping: ScopePartitioned,
		logger:  slog.Default(),
	}
}

// Key helpers. The session path "{app}/{user}/{id}" mirrors the document
// hierarchy of the Firestore backend.
func (s *RedisService) sessionPath(appName, userID, sessionID string) string {
	return appName + "/" + userID + "/" + sessionID
}

func (s *RedisService) sessionKey(appName, userID, sessionID string) string {
	return s.prefix + "sess:" + s.sessionPath(appName, userID, sessionID)
}

func (s *RedisService) eventsKey(appName, userID, sessionID string) string {
	return s.prefix + "events:" + s.sessionPath(appName, userID, sessionID)
}

func (s *RedisService) appStateKey(appName string) string {
	return s.prefix + "appstate:" + appName
}

func (s *RedisService) userStateKey(appName, userID string) string {
	return s.prefix + "userstate:" + appName + "/" + userID
}

func (s *RedisService) appIndexKey(appName string) string {
	return s.prefix + "app:" + appName
}

func (s *RedisService) userIndexKey(appName, userID string) string {
	return s.prefix + "user:" + appName + "/" + userID
}

func (s *RedisService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// CreateSession creates a new session and seeds the state partitions.
func (s *RedisService) CreateSession(ctx context.Context, appName, userID, sessionID string, state map[string]any) (_ *Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.create")
	defer span.End()
	defer obs.TimeSessionOp("redis", "create", time.Now())(&err)

	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	exists, err := s.client.Exists(ctx, s.sessionKey(appName, userID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, ErrSessionExists)
	}

	appDelta, userDelta, sessState := splitState(state, s.scoping)
	now := time.Now().UTC()

	record := &redisSessionRecord{
		ID:         sessionID,
		AppName:    appName,
		UserID:     userID,
		State:      sessState,
		CreateTime: now,
		UpdateTime: now,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	if err := s.mergePartition(ctx, s.appStateKey(appName), appDelta); err != nil {
		return nil, err
	}
	if err := s.mergePartition(ctx, s.userStateKey(appName, userID), userDelta); err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(appName, userID, sessionID), data, s.ttl)
	pipe.SAdd(ctx, s.appIndexKey(appName), s.sessionPath(appName, userID, sessionID))
	pipe.SAdd(ctx, s.userIndexKey(appName, userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.logger.InfoContext(ctx, "created session",
		slog.String("app_name", appName),
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
	)

	appState, userState, err := s.loadShared(ctx, appName, userID)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          mergeState(appState, userState, sessState),
		LastUpdateTime: now,
	}, nil
}

// GetSession returns a session with merged state and filtered events.
func (s *RedisService) GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetConfig) (_ *Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.get")
	defer span.End()
	defer obs.TimeSessionOp("redis", "get", time.Now())(&err)

	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	record, err := s.loadRecord(ctx, appName, userID, sessionID)
	if err != nil {
		return nil, err
	}
	appState, userState, err := s.loadShared(ctx, appName, userID)
	if err != nil {
		return nil, err
	}
	events, err := s.loadEvents(ctx, appName, userID, sessionID)
	if err != nil {
		return nil, err
	}
	events = filterEvents(events, cfg)

	return &Session{
		ID:             sessionID,
		AppName:        appName,
		UserID:         userID,
		State:          mergeState(appState, userState, record.State),
		Events:         events,
		LastUpdateTime: record.UpdateTime,
	}, nil
}

// ListSessions returns the user's sessions without events. An empty userID
// lists sessions across every user of the app.
func (s *RedisService) ListSessions(ctx context.Context, appName, userID string) (_ []*Session, err error) {
	ctx, span := observability.StartSpan(ctx, "session.list")
	defer span.End()
	defer obs.TimeSessionOp("redis", "list", time.Now())(&err)

	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var paths []string
	if userID == "" {
		members, err := s.client.SMembers(ctx, s.appIndexKey(appName)).Result()
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		paths = members
	} else {
		ids, err := s.client.SMembers(ctx, s.userIndexKey(appName, userID)).Result()
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, id := range ids {
			paths = append(paths, s.sessionPath(appName, userID, id))
		}
	}

	appState, _, err := s.loadShared(ctx, appName, "")
	if err != nil {
		return nil, err
	}

	userStates := make(map[string]map[string]any)
	sessions := make([]*Session, 0, len(paths))
	for _, path := range paths {
		data, err := s.client.Get(ctx, s.prefix+"sess:"+path).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Session expired or deleted, clean up the index.
				s.client.SRem(ctx, s.appIndexKey(appName), path)
				continue
			}
			return nil, fmt.Errorf("get session: %w", err)
		}
		var record redisSessionRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}

		userState, ok := userStates[record.UserID]
		if !ok {
			userState, err = s.loadPartition(ctx, s.userStateKey(appName, record.UserID))
			if err != nil {
				return nil, err
			}
			userStates[record.UserID] = userState
		}

		sessions = append(sessions, &Session{
			ID:             record.ID,
			AppName:        appName,
			UserID:         record.UserID,
			State:          mergeState(appState, userState, record.State),
			LastUpdateTime: record.UpdateTime,
		})
	}
	return sessions, nil
}

// DeleteSession removes a session, its events, and its index entries.
// Deleting a missing session is a no-op.
func (s *RedisService) DeleteSession(ctx context.Context, appName, userID, sessionID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "session.delete")
	defer span.End()
	defer obs.TimeSessionOp("redis", "delete", time.Now())(&err)

	if err := s.checkClosed(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(appName, userID, sessionID))
	pipe.Del(ctx, s.eventsKey(appName, userID, sessionID))
	pipe.SRem(ctx, s.appIndexKey(appName), s.sessionPath(appName, userID, sessionID))
	pipe.SRem(ctx, s.userIndexKey(appName, userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendEvent persists an event and applies its state delta. If the stored
// session is newer than sess.LastUpdateTime, sess is refreshed from storage
// before the event is applied.
func (s *RedisService) AppendEvent(ctx context.Context, sess *Session, event *Event) (_ *Event, err error) {
	if event.Partial {
		return event, nil
	}
	ctx, span := observability.StartSpan(ctx, "session.append_event")
	defer span.End()
	defer obs.TimeSessionOp("redis", "append_event", time.Now())(&err)

	event = trimEventTempState(event)

	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	record, err := s.loadRecord(ctx, sess.AppName, sess.UserID, sess.ID)
	if err != nil {
		return nil, err
	}

	if record.UpdateTime.After(sess.LastUpdateTime) {
		obs.RecordSessionReconciliation("redis")
		s.logger.InfoContext(ctx, "session modified since load, refreshing",
			slog.String("session_id", sess.ID),
			slog.Time("stored_update_time", record.UpdateTime),
			slog.Time("session_update_time", sess.LastUpdateTime),
		)
		refreshed, err := s.GetSession(ctx, sess.AppName, sess.UserID, sess.ID, nil)
		if err != nil {
			return nil, err
		}
		sess.State = refreshed.State
		sess.Events = refreshed.Events
		sess.LastUpdateTime = refreshed.LastUpdateTime
	}

	appDelta, userDelta, sessDelta := splitState(event.StateDelta(), s.scoping)
	if err := s.mergePartition(ctx, s.appStateKey(sess.AppName), appDelta); err != nil {
		return nil, err
	}
	if err := s.mergePartition(ctx, s.userStateKey(sess.AppName, sess.UserID), userDelta); err != nil {
		return nil, err
	}

	if record.State == nil {
		record.State = make(map[string]any)
	}
	for k, v := range sessDelta {
		record.State[k] = v
	}
	record.UpdateTime = event.Timestamp

	recordData, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	eventData, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sess.AppName, sess.UserID, sess.ID), recordData, s.ttl)
	pipe.HSet(ctx, s.eventsKey(sess.AppName, sess.UserID, sess.ID), event.ID, eventData)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.eventsKey(sess.AppName, sess.UserID, sess.ID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	applyEventToSession(sess, event)
	return event, nil
}

// EventCount returns the number of stored events for a session.
func (s *RedisService) EventCount(ctx context.Context, appName, userID, sessionID string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	n, err := s.client.HLen(ctx, s.eventsKey(appName, userID, sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Ping verifies connectivity to the Redis server.
func (s *RedisService) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client. Close is idempotent.
func (s *RedisService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *RedisService) loadRecord(ctx context.Context, appName, userID, sessionID string) (*redisSessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(appName, userID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var record redisSessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &record, nil
}

// loadPartition reads one shared state partition, returning an empty map
// when the key does not exist.
func (s *RedisService) loadPartition(ctx context.Context, key string) (map[string]any, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("get state partition: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state partition: %w", err)
	}
	return state, nil
}

func (s *RedisService) loadShared(ctx context.Context, appName, userID string) (appState, userState map[string]any, err error) {
	if s.scoping == ScopeSessionOnly {
		return map[string]any{}, map[string]any{}, nil
	}
	appState, err = s.loadPartition(ctx, s.appStateKey(appName))
	if err != nil {
		return nil, nil, err
	}
	if userID == "" {
		return appState, map[string]any{}, nil
	}
	userState, err = s.loadPartition(ctx, s.userStateKey(appName, userID))
	if err != nil {
		return nil, nil, err
	}
	return appState, userState, nil
}

// mergePartition read-modify-writes a shared state partition.
func (s *RedisService) mergePartition(ctx context.Context, key string, delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}
	state, err := s.loadPartition(ctx, key)
	if err != nil {
		return err
	}
	for k, v := range delta {
		state[k] = v
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state partition: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("save state partition: %w", err)
	}
	return nil
}

// loadEvents returns all events in timestamp order.
func (s *RedisService) loadEvents(ctx context.Context, appName, userID, sessionID string) ([]*Event, error) {
	raw, err := s.client.HGetAll(ctx, s.eventsKey(appName, userID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	events := make([]*Event, 0, len(raw))
	for _, data := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &ev)
	}
	sortEventsByTimestamp(events)
	return events, nil
}
