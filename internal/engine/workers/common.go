// Package workers holds the engine's periodic background tasks: the daily
// UTC reset, the 8-hour funding application, the persistence retry queue,
// and the stats flusher. Each is a long-lived loop started from cmd/engine
// and stopped by cancelling its context.
package workers

import "encoding/json"

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
