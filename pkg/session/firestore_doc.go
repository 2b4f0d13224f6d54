package session

import (
	"fmt"
	"time"
)

// Firestore document field names. Events and sessions are stored as loose
// maps rather than tagged structs: the store is schemaless and older
// documents may carry malformed fields, so every read goes through a
// validated conversion instead of assuming a shape.
const (
	fieldID           = "id"
	fieldAppName      = "app_name"
	fieldUserID       = "user_id"
	fieldSessionID    = "session_id"
	fieldState        = "state"
	fieldCreateTime   = "create_time"
	fieldUpdateTime   = "update_time"
	fieldInvocationID = "invocation_id"
	fieldAuthor       = "author"
	fieldContent      = "content"
	fieldActions      = "actions"
	fieldBranch       = "branch"
	fieldLongRunning  = "long_running_tool_ids"
	fieldPartial      = "partial"
	fieldTurnComplete = "turn_complete"
	fieldErrorCode    = "error_code"
	fieldErrorMessage = "error_message"
	fieldInterrupted  = "interrupted"
	fieldTimestamp    = "timestamp"
)

// eventToDoc converts an event to its Firestore document form. Session
// coordinates are denormalized into the document so an event found by a
// collection-group query still identifies its session.
func eventToDoc(sess *Session, event *Event) map[string]any {
	doc := map[string]any{
		fieldID:           event.ID,
		fieldAppName:      sess.AppName,
		fieldUserID:       sess.UserID,
		fieldSessionID:    sess.ID,
		fieldInvocationID: event.InvocationID,
		fieldAuthor:       event.Author,
		fieldTimestamp:    event.Timestamp,
		fieldPartial:      event.Partial,
		fieldTurnComplete: event.TurnComplete,
		fieldInterrupted:  event.Interrupted,
	}
	if event.Content != nil {
		doc[fieldContent] = event.Content
	}
	if event.Actions != nil {
		doc[fieldActions] = actionsToDoc(event.Actions)
	}
	if event.Branch != "" {
		doc[fieldBranch] = event.Branch
	}
	if len(event.LongRunningToolIDs) > 0 {
		doc[fieldLongRunning] = toAnySlice(event.LongRunningToolIDs)
	}
	if event.ErrorCode != "" {
		doc[fieldErrorCode] = event.ErrorCode
	}
	if event.ErrorMessage != "" {
		doc[fieldErrorMessage] = event.ErrorMessage
	}
	return doc
}

func actionsToDoc(actions *EventActions) map[string]any {
	doc := map[string]any{}
	if len(actions.StateDelta) > 0 {
		doc["state_delta"] = actions.StateDelta
	}
	if actions.TransferToAgent != "" {
		doc["transfer_to_agent"] = actions.TransferToAgent
	}
	if actions.Escalate {
		doc["escalate"] = true
	}
	if actions.SkipSummarization {
		doc["skip_summarization"] = true
	}
	return doc
}

// docToEvent converts a stored document back into an Event. Unknown or
// missing fields fall back to zero values; a missing timestamp falls back
// to the read time so the event still sorts.
func docToEvent(doc map[string]any) (*Event, error) {
	id := docString(doc, fieldID)
	if id == "" {
		return nil, fmt.Errorf("event document has no id")
	}
	event := &Event{
		ID:           id,
		InvocationID: docString(doc, fieldInvocationID),
		Author:       docString(doc, fieldAuthor),
		Content:      docMap(doc, fieldContent),
		Branch:       docString(doc, fieldBranch),
		Partial:      docBool(doc, fieldPartial),
		TurnComplete: docBool(doc, fieldTurnComplete),
		ErrorCode:    docString(doc, fieldErrorCode),
		ErrorMessage: docString(doc, fieldErrorMessage),
		Interrupted:  docBool(doc, fieldInterrupted),
	}
	if actions := docMap(doc, fieldActions); actions != nil {
		event.Actions = &EventActions{
			StateDelta:        docMap(actions, "state_delta"),
			TransferToAgent:   docString(actions, "transfer_to_agent"),
			Escalate:          docBool(actions, "escalate"),
			SkipSummarization: docBool(actions, "skip_summarization"),
		}
	}
	if ids, ok := doc[fieldLongRunning].([]any); ok {
		for _, v := range ids {
			if s, ok := v.(string); ok {
				event.LongRunningToolIDs = append(event.LongRunningToolIDs, s)
			}
		}
	}
	if ts := docTime(doc, fieldTimestamp); !ts.IsZero() {
		event.Timestamp = ts
	} else {
		event.Timestamp = time.Now().UTC()
	}
	return event, nil
}

// docTime reads a timestamp field. Anything that is not a time degrades to
// the zero time, which compares older than every real timestamp; a corrupt
// update-time marker therefore reads as "always stale" instead of failing.
func docTime(doc map[string]any, field string) time.Time {
	if t, ok := doc[field].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func docString(doc map[string]any, field string) string {
	s, _ := doc[field].(string)
	return s
}

func docBool(doc map[string]any, field string) bool {
	b, _ := doc[field].(bool)
	return b
}

func docMap(doc map[string]any, field string) map[string]any {
	m, _ := doc[field].(map[string]any)
	return m
}

// docState reads the state partition out of a partition or session
// document, tolerating its absence.
func docState(doc map[string]any, field string) map[string]any {
	if m := docMap(doc, field); m != nil {
		return m
	}
	return map[string]any{}
}

func toAnySlice(strs []string) []any {
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}
