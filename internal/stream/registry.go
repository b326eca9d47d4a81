package stream

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultRetention is how long a finished stream stays resumable.
const DefaultRetention = 60 * time.Second

// Registry maps each chat to its most recent live stream. Finished
// streams are kept for a retention window so subscribers that attached
// while they ran can drain, then a janitor sweeps them out.
type Registry struct {
	retention time.Duration

	mu   sync.Mutex
	live map[string]*Live

	stopOnce sync.Once
	stop     chan struct{}
}

func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &Registry{
		retention: retention,
		live:      make(map[string]*Live),
		stop:      make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Start registers a fresh stream for the chat, replacing any previous
// one. A still-running previous stream is finished first so its
// subscribers terminate cleanly.
func (r *Registry) Start(chatID string) *Live {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	l := newLive(id, chatID)
	r.mu.Lock()
	prev := r.live[chatID]
	r.live[chatID] = l
	r.mu.Unlock()
	if prev != nil {
		prev.Finish()
	}
	return l
}

// Lookup returns the chat's current stream, live or within retention.
func (r *Registry) Lookup(chatID string) (*Live, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.live[chatID]
	return l, ok
}

// Close stops the janitor and finishes all streams.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	streams := make([]*Live, 0, len(r.live))
	for _, l := range r.live {
		streams = append(streams, l)
	}
	r.live = make(map[string]*Live)
	r.mu.Unlock()
	for _, l := range streams {
		l.Finish()
	}
}

func (r *Registry) janitor() {
	interval := r.retention / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID, l := range r.live {
		if finishedAt, done := l.Finished(); done && finishedAt.Before(cutoff) {
			delete(r.live, chatID)
		}
	}
}
