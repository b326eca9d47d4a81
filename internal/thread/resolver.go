// Package thread reconstructs linear conversation history from the
// branching message tree a chat stores. Edits and regenerations fork
// the tree; a turn only ever sees the single path leading to the
// message being replied to.
package thread

import (
	"context"
	"errors"
	"fmt"

	"github.com/parley-chat/parley/internal/store"
)

// ErrNotFound is returned when a referenced message does not exist in
// the chat.
var ErrNotFound = errors.New("thread: message not found")

// DefaultWindow is how many recent messages a turn carries into the
// model. Older context is dropped before token budgeting even runs.
const DefaultWindow = 5

// Resolver loads a chat's messages and walks parent pointers.
type Resolver struct {
	store  store.MessageStore
	window int
}

func NewResolver(s store.MessageStore) *Resolver {
	return &Resolver{store: s, window: DefaultWindow}
}

// Thread returns the path from the root to (and including) the message
// with leafID, truncated to the resolver's window of most recent
// messages. An empty leafID yields an empty thread.
func (r *Resolver) Thread(ctx context.Context, chatID, leafID string) ([]store.Message, error) {
	if leafID == "" {
		return nil, nil
	}
	msgs, err := r.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}
	path, err := Resolve(msgs, leafID)
	if err != nil {
		return nil, err
	}
	return Window(path, r.window), nil
}

// Resolve walks from leafID up the parent chain and returns the path
// in root-first order. A leaf or intermediate parent missing from msgs
// yields ErrNotFound. A parent cycle is reported as an error rather
// than looping forever.
func Resolve(msgs []store.Message, leafID string) ([]store.Message, error) {
	byID := make(map[string]store.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var path []store.Message
	seen := make(map[string]bool)
	id := leafID
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("thread: parent cycle at message %s", id)
		}
		seen[id] = true
		msg, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		path = append(path, msg)
		id = msg.ParentMessageID
	}

	// Reverse into chronological order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Window keeps the last n messages of a resolved path.
func Window(path []store.Message, n int) []store.Message {
	if n <= 0 || len(path) <= n {
		return path
	}
	return path[len(path)-n:]
}
