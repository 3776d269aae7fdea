package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danmuck/relaynet/internal/protocol"
)

// HandleJSON binds key to fn with a JSON payload contract of type T.
// A payload that does not decode into T is reported as the handler error.
func HandleJSON[T any](t *Table, key string, fn func(context.Context, protocol.Message, T) error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil handler for key %q", ErrInvalidHandler, key)
	}
	return t.Handle(key, func(ctx context.Context, msg protocol.Message) error {
		var payload T
		if len(msg.Value) > 0 {
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				return fmt.Errorf("dispatch: key %q payload: %w", msg.Key, err)
			}
		}
		return fn(ctx, msg, payload)
	})
}

// EncodeJSON is the sending half of HandleJSON.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
