package session

import "strings"

// State key prefixes. A key's prefix decides which partition it lives in:
// "app:" keys are shared by every session of an application, "user:" keys by
// every session of one user, and "temp:" keys are never persisted at all.
// Unprefixed keys are private to a single session.
const (
	AppPrefix  = "app:"
	UserPrefix = "user:"
	TempPrefix = "temp:"
)

// Scoping selects how state keys map onto storage partitions.
type Scoping int

const (
	// ScopePartitioned is the three-level model: app:/user: keys route to
	// shared partitions, the rest stay session-local.
	ScopePartitioned Scoping = iota
	// ScopeSessionOnly is the two-level model: every persisted key is
	// session-local and app:/user: prefixes are not special. temp: keys
	// are still stripped.
	ScopeSessionOnly
)

// splitState classifies a flat state map into app, user, and session
// partitions. Prefixes are stripped from routed keys; temp: keys are
// dropped. A nil input yields three empty maps.
func splitState(state map[string]any, scoping Scoping) (app, user, sess map[string]any) {
	app = make(map[string]any)
	user = make(map[string]any)
	sess = make(map[string]any)
	for key, value := range state {
		switch {
		case strings.HasPrefix(key, TempPrefix):
			// ephemeral, never persisted
		case scoping == ScopePartitioned && strings.HasPrefix(key, AppPrefix):
			app[strings.TrimPrefix(key, AppPrefix)] = value
		case scoping == ScopePartitioned && strings.HasPrefix(key, UserPrefix):
			user[strings.TrimPrefix(key, UserPrefix)] = value
		default:
			sess[key] = value
		}
	}
	return app, user, sess
}

// mergeState combines the three partitions back into one flat view. The
// session partition is deep-copied so callers may mutate the result; app and
// user keys are re-prefixed and overlaid in that order.
func mergeState(app, user, sess map[string]any) map[string]any {
	merged := make(map[string]any, len(sess)+len(app)+len(user))
	for key, value := range sess {
		merged[key] = deepCopyValue(value)
	}
	for key, value := range app {
		merged[AppPrefix+key] = value
	}
	for key, value := range user {
		merged[UserPrefix+key] = value
	}
	return merged
}

// trimTempState returns delta without its temp: keys. The original map is
// returned unchanged when it carries none.
func trimTempState(delta map[string]any) map[string]any {
	hasTemp := false
	for key := range delta {
		if strings.HasPrefix(key, TempPrefix) {
			hasTemp = true
			break
		}
	}
	if !hasTemp {
		return delta
	}
	trimmed := make(map[string]any, len(delta))
	for key, value := range delta {
		if !strings.HasPrefix(key, TempPrefix) {
			trimmed[key] = value
		}
	}
	return trimmed
}

// deepCopyValue copies JSON-shaped values (maps, slices, scalars) so the
// merged view never aliases stored partition maps.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}

// deepCopyState copies a whole state map.
func deepCopyState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = deepCopyValue(v)
	}
	return out
}
