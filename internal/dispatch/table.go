// Package dispatch maps message keys onto handlers.
//
// Every key owns its payload contract; the table only routes by key and
// isolates handler failures so one key cannot stop the receive loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/relaynet/internal/protocol"
)

var (
	ErrInvalidHandler = errors.New("dispatch: invalid handler")
	ErrHandlerPanic   = errors.New("dispatch: handler panic")
)

// Handler processes one inbound message on the owner's receive loop.
type Handler func(ctx context.Context, msg protocol.Message) error

type linkKey struct{}

// WithLink records the link a message arrived on.
func WithLink(ctx context.Context, link string) context.Context {
	return context.WithValue(ctx, linkKey{}, link)
}

// LinkFrom returns the link recorded by WithLink, or "".
func LinkFrom(ctx context.Context) string {
	link, _ := ctx.Value(linkKey{}).(string)
	return link
}

// Table is the key -> handler registry.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Handle binds h to key, replacing any earlier binding.
func (t *Table) Handle(key string, h Handler) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidHandler)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for key %q", ErrInvalidHandler, key)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[key] = h
	return nil
}

func (t *Table) Lookup(key string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[key]
	return h, ok
}

func (t *Table) Keys() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.handlers))
	for key := range t.handlers {
		out = append(out, key)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for msg.Key. Unknown keys return
// protocol.ErrUnknownKey; panics are recovered as ErrHandlerPanic.
func (t *Table) Dispatch(ctx context.Context, msg protocol.Message) (err error) {
	h, ok := t.Lookup(msg.Key)
	if !ok {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownKey, msg.Key)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: key=%q: %v\n%s", ErrHandlerPanic, msg.Key, r, debug.Stack())
		}
	}()
	return h(ctx, msg)
}
