package llm

import (
	"context"
	"io"
	"sync"
)

// Stream yields generation events until io.EOF or an error. Close
// releases resources and cancels any underlying request.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

type eventStream struct {
	events chan Event
	result chan error
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done bool
}

// newEventStream runs fn in a goroutine and exposes the events it sends
// as a Stream. The stream ends with io.EOF when fn returns nil, or with
// fn's error. Closing the stream cancels fn's context.
func newEventStream(ctx context.Context, fn func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		result: make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		s.result <- fn(ctx, s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.err = <-s.result
		s.done = true
	}
	if s.err != nil {
		return Event{}, s.err
	}
	return Event{}, io.EOF
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}

// sliceStream replays a fixed set of events. Useful for tests and for
// synthesizing short streams.
type sliceStream struct {
	events []Event
	index  int
}

// NewSliceStream returns a Stream that yields the given events in order.
func NewSliceStream(events ...Event) Stream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Recv() (Event, error) {
	if s.index >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.index]
	s.index++
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }
