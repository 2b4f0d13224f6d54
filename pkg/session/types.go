// Package session provides persistent conversation state for matchday
// agents. A session is one conversation thread between a user and the
// agent, scoped to an application; it carries an append-only event log and
// a key/value state map split across app, user, and session scopes.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session represents a series of interactions between a user and the agent.
//
// A Session object returned by a Service is a point-in-time view: its State
// is the merged app/user/session view and its LastUpdateTime is the version
// marker used by AppendEvent to detect concurrent writers.
type Session struct {
	// ID is the unique session identifier within (AppName, UserID).
	ID string `json:"id"`
	// AppName is the name of the application owning this session.
	AppName string `json:"appName"`
	// UserID identifies the user this session belongs to.
	UserID string `json:"userId"`
	// State is the merged state view. App-scoped keys carry the "app:"
	// prefix and user-scoped keys the "user:" prefix.
	State map[string]any `json:"state"`
	// Events holds the conversation turns in chronological order.
	// List results leave this empty; only Get hydrates events.
	Events []*Event `json:"events"`
	// LastUpdateTime mirrors the stored update time after the last
	// round-trip through the service.
	LastUpdateTime time.Time `json:"lastUpdateTime"`
}

// Event is one persisted conversation turn: a user message, an agent reply,
// or a tool result. Events are immutable once appended.
type Event struct {
	// ID is the unique event identifier. Re-appending an event with the
	// same ID overwrites the stored copy instead of duplicating it.
	ID string `json:"id"`
	// InvocationID groups the events produced by one agent invocation.
	InvocationID string `json:"invocationId"`
	// Author is "user" or the name of the agent that produced the event.
	Author string `json:"author"`
	// Content is the opaque turn payload (message parts, tool calls).
	Content map[string]any `json:"content,omitempty"`
	// Actions carries side effects of the turn, including the state delta.
	Actions *EventActions `json:"actions,omitempty"`
	// Branch separates conversation histories of peer sub-agents.
	Branch string `json:"branch,omitempty"`
	// LongRunningToolIDs lists function calls still running when the
	// event was emitted.
	LongRunningToolIDs []string `json:"longRunningToolIds,omitempty"`
	// Partial marks a streaming fragment. Partial events are never
	// persisted.
	Partial bool `json:"partial,omitempty"`
	// TurnComplete reports whether the turn finished with this event.
	TurnComplete bool `json:"turnComplete,omitempty"`
	// ErrorCode and ErrorMessage describe a failed turn.
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// Interrupted reports that the turn was cut off by the caller.
	Interrupted bool `json:"interrupted,omitempty"`
	// Timestamp orders the event within the session log.
	Timestamp time.Time `json:"timestamp"`
}

// EventActions represents the actions attached to an event.
type EventActions struct {
	// StateDelta is a partial key/value map merged into session state when
	// the event is appended. Keys use the app:/user:/temp: prefix
	// convention; temp: keys are dropped at the persistence boundary.
	StateDelta map[string]any `json:"stateDelta,omitempty"`
	// TransferToAgent hands the conversation to the named agent.
	TransferToAgent string `json:"transferToAgent,omitempty"`
	// Escalate raises the conversation to a higher-level agent.
	Escalate bool `json:"escalate,omitempty"`
	// SkipSummarization suppresses model summarization of a tool response.
	SkipSummarization bool `json:"skipSummarization,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(invocationID, author string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		InvocationID: invocationID,
		Author:       author,
		Timestamp:    time.Now().UTC(),
	}
}

// StateDelta returns the event's state delta, or nil if it has none.
func (e *Event) StateDelta() map[string]any {
	if e.Actions == nil {
		return nil
	}
	return e.Actions.StateDelta
}

// GetConfig filters the events hydrated by Service.GetSession.
type GetConfig struct {
	// NumRecentEvents caps the result to the N most recent events.
	// Zero means no cap.
	NumRecentEvents int
	// AfterTimestamp drops events older than the given time (inclusive
	// boundary). The zero value disables the filter.
	AfterTimestamp time.Time
}
