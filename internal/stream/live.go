package stream

import (
	"context"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/llm"
)

// Live is one in-flight (or recently finished) turn's chunk stream.
// Chunks are buffered for the stream's lifetime so a late subscriber
// replays everything before following live output.
type Live struct {
	id      string
	chatID  string
	started time.Time

	mu         sync.Mutex
	cond       *sync.Cond
	chunks     []Chunk
	done       bool
	finishedAt time.Time
}

func newLive(id, chatID string) *Live {
	l := &Live{id: id, chatID: chatID, started: time.Now()}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Live) ID() string     { return l.id }
func (l *Live) ChatID() string { return l.chatID }

// Publish converts the event to a chunk, assigns its sequence number
// and wakes subscribers. Done events also finish the stream.
func (l *Live) Publish(ev llm.Event) {
	chunk, ok := FromEvent(ev)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	chunk.Seq = int64(len(l.chunks))
	l.chunks = append(l.chunks, chunk)
	if chunk.Type == "finish" || chunk.Type == "error" {
		l.done = true
		l.finishedAt = time.Now()
	}
	l.cond.Broadcast()
}

// Finish closes the stream if the turn ended without a terminal event.
func (l *Live) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.chunks = append(l.chunks, Chunk{Seq: int64(len(l.chunks)), Type: "finish"})
	l.done = true
	l.finishedAt = time.Now()
	l.cond.Broadcast()
}

// Finished reports whether the stream has ended, and when.
func (l *Live) Finished() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finishedAt, l.done
}

// Subscribe returns a channel that replays all chunks so far and then
// follows the stream until it finishes or ctx ends. The channel is
// closed when done.
func (l *Live) Subscribe(ctx context.Context) <-chan Chunk {
	ch := make(chan Chunk, 32)

	// Wake the reader loop when the subscriber goes away.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.cond.Broadcast()
		case <-stop:
		}
	}()

	go func() {
		defer close(ch)
		defer close(stop)
		next := 0
		for {
			l.mu.Lock()
			for next >= len(l.chunks) && !l.done && ctx.Err() == nil {
				l.cond.Wait()
			}
			if ctx.Err() != nil {
				l.mu.Unlock()
				return
			}
			pending := l.chunks[next:]
			done := l.done
			l.mu.Unlock()

			for _, chunk := range pending {
				select {
				case ch <- chunk:
					next++
				case <-ctx.Done():
					return
				}
			}
			if done && next >= l.len() {
				return
			}
		}
	}()
	return ch
}

func (l *Live) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}
