package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
)

// DefaultRecency is how fresh the last assistant message must be for a
// resume to synthesize it. Older turns are considered seen.
const DefaultRecency = 15 * time.Second

// Resumer reattaches clients to a chat's output after a disconnect.
type Resumer struct {
	Registry *Registry
	Store    store.MessageStore
	// Recency window for synthesized replay; DefaultRecency if zero.
	Recency time.Duration
}

func (r *Resumer) recency() time.Duration {
	if r.Recency > 0 {
		return r.Recency
	}
	return DefaultRecency
}

// Resume returns the chunk stream a reconnecting client should see:
//
//   - an in-flight stream replays in full and then follows;
//   - a finished turn is synthesized as a single appendMessage chunk,
//     provided the last assistant message is recent and complete;
//   - otherwise the stream is empty.
//
// A finished stream still in the registry is never replayed chunk by
// chunk; retention only keeps it around for subscribers that attached
// while it ran.
func (r *Resumer) Resume(ctx context.Context, chatID string) <-chan Chunk {
	if live, ok := r.Registry.Lookup(chatID); ok {
		if _, done := live.Finished(); !done {
			return live.Subscribe(ctx)
		}
	}

	ch := make(chan Chunk, 2)
	defer close(ch)

	msg, err := r.Store.LatestAssistantMessage(ctx, chatID)
	if err != nil || msg.IsPartial || time.Since(msg.CreatedAt) > r.recency() {
		return ch
	}
	payload, err := json.Marshal(resumedMessage{
		ID:    msg.ID,
		Role:  string(msg.Role),
		Parts: msg.Parts,
	})
	if err != nil {
		return ch
	}
	ch <- Chunk{Seq: 0, Type: "appendMessage", AppendMessage: payload}
	ch <- Chunk{Seq: 1, Type: "finish"}
	return ch
}

type resumedMessage struct {
	ID    string     `json:"id"`
	Role  string     `json:"role"`
	Parts []llm.Part `json:"parts"`
}
