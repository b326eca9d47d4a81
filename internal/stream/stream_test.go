package stream

import (
	"context"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
)

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("timed out collecting chunks")
		}
	}
}

func TestLiveReplaysBacklogToLateSubscriber(t *testing.T) {
	l := newLive("s1", "c1")
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "a"})
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "b"})

	// Subscriber arrives mid-stream.
	ch := l.Subscribe(context.Background())
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "c"})
	l.Publish(llm.Event{Type: llm.EventDone})

	chunks := collect(t, ch)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %+v", len(chunks), chunks)
	}
	want := []string{"a", "b", "c"}
	for i, delta := range want {
		if chunks[i].Type != "text-delta" || chunks[i].Delta != delta {
			t.Fatalf("chunk %d wrong: %+v", i, chunks[i])
		}
		if chunks[i].Seq != int64(i) {
			t.Fatalf("sequence broken at %d: %+v", i, chunks[i])
		}
	}
	if chunks[3].Type != "finish" {
		t.Fatalf("missing finish: %+v", chunks[3])
	}
}

func TestLiveIgnoresPublishAfterFinish(t *testing.T) {
	l := newLive("s1", "c1")
	l.Publish(llm.Event{Type: llm.EventDone})
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "late"})

	chunks := collect(t, l.Subscribe(context.Background()))
	if len(chunks) != 1 || chunks[0].Type != "finish" {
		t.Fatalf("post-finish chunks must be dropped: %+v", chunks)
	}
}

func TestLiveSubscriberCancel(t *testing.T) {
	l := newLive("s1", "c1")
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Subscribe(ctx)
	cancel()
	// Channel must close even though the stream never finishes.
	chunks := collect(t, ch)
	if len(chunks) != 0 {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestErrorChunkFinishesStream(t *testing.T) {
	l := newLive("s1", "c1")
	l.Publish(llm.Event{Type: llm.EventError, Err: context.DeadlineExceeded})
	if _, done := l.Finished(); !done {
		t.Fatal("error must finish the stream")
	}
}

func TestRegistryStartReplacesAndFinishesPrevious(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	first := r.Start("c1")
	second := r.Start("c1")
	if first.ID() == second.ID() {
		t.Fatal("stream ids must differ")
	}
	if _, done := first.Finished(); !done {
		t.Fatal("replaced stream must be finished")
	}
	got, ok := r.Lookup("c1")
	if !ok || got.ID() != second.ID() {
		t.Fatal("lookup must return the replacement")
	}
}

func TestRegistrySweep(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	defer r.Close()

	l := r.Start("c1")
	l.Finish()
	time.Sleep(30 * time.Millisecond)
	r.sweep()
	if _, ok := r.Lookup("c1"); ok {
		t.Fatal("finished stream past retention must be swept")
	}
}

// fakeMessages serves a single canned latest-assistant message.
type fakeMessages struct {
	latest store.Message
	err    error
}

func (f *fakeMessages) UpsertMessage(ctx context.Context, msg store.Message) error { return nil }
func (f *fakeMessages) GetMessage(ctx context.Context, id string) (store.Message, error) {
	return store.Message{}, store.ErrNotFound
}
func (f *fakeMessages) ListMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeMessages) LatestAssistantMessage(ctx context.Context, chatID string) (store.Message, error) {
	return f.latest, f.err
}

func TestResumeAttachesToLiveStream(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()
	resumer := &Resumer{Registry: r, Store: &fakeMessages{err: store.ErrNotFound}}

	l := r.Start("c1")
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "live"})
	ch := resumer.Resume(context.Background(), "c1")
	l.Publish(llm.Event{Type: llm.EventDone})

	chunks := collect(t, ch)
	if len(chunks) != 2 || chunks[0].Delta != "live" {
		t.Fatalf("expected live replay, got %+v", chunks)
	}
}

func TestResumeSynthesizesRecentTurn(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()
	resumer := &Resumer{Registry: r, Store: &fakeMessages{latest: store.Message{
		ID:        "m9",
		Role:      llm.RoleAssistant,
		Parts:     []llm.Part{{Type: llm.PartText, Text: "the answer"}},
		CreatedAt: time.Now().Add(-5 * time.Second),
	}}}

	chunks := collect(t, resumer.Resume(context.Background(), "c1"))
	if len(chunks) != 2 {
		t.Fatalf("expected appendMessage + finish, got %+v", chunks)
	}
	if chunks[0].Type != "appendMessage" || chunks[0].AppendMessage == nil {
		t.Fatalf("first chunk wrong: %+v", chunks[0])
	}
	if chunks[1].Type != "finish" {
		t.Fatalf("second chunk wrong: %+v", chunks[1])
	}
}

func TestResumeFinishedStreamSynthesizesInsteadOfReplaying(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()
	resumer := &Resumer{Registry: r, Store: &fakeMessages{latest: store.Message{
		ID:        "m9",
		Role:      llm.RoleAssistant,
		Parts:     []llm.Part{{Type: llm.PartText, Text: "the answer"}},
		CreatedAt: time.Now().Add(-5 * time.Second),
	}}}

	// The finished stream is still within registry retention.
	l := r.Start("c1")
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "the "})
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "answer"})
	l.Publish(llm.Event{Type: llm.EventDone})

	chunks := collect(t, resumer.Resume(context.Background(), "c1"))
	if len(chunks) != 2 || chunks[0].Type != "appendMessage" || chunks[1].Type != "finish" {
		t.Fatalf("expected a single synthesized appendMessage, got %+v", chunks)
	}
}

func TestResumeFinishedStreamStaysEmptyPastRecency(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()
	resumer := &Resumer{Registry: r, Store: &fakeMessages{latest: store.Message{
		ID:        "m9",
		Role:      llm.RoleAssistant,
		Parts:     []llm.Part{{Type: llm.PartText, Text: "old news"}},
		CreatedAt: time.Now().Add(-30 * time.Second),
	}}}

	l := r.Start("c1")
	l.Publish(llm.Event{Type: llm.EventTextDelta, Text: "old news"})
	l.Publish(llm.Event{Type: llm.EventDone})

	if chunks := collect(t, resumer.Resume(context.Background(), "c1")); len(chunks) != 0 {
		t.Fatalf("expected empty stream, got %+v", chunks)
	}
}

func TestResumeEmptyCases(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	cases := map[string]*fakeMessages{
		"no messages": {err: store.ErrNotFound},
		"stale": {latest: store.Message{
			Role: llm.RoleAssistant, CreatedAt: time.Now().Add(-time.Minute),
		}},
		"partial": {latest: store.Message{
			Role: llm.RoleAssistant, IsPartial: true, CreatedAt: time.Now(),
		}},
	}
	for name, msgs := range cases {
		resumer := &Resumer{Registry: r, Store: msgs}
		if chunks := collect(t, resumer.Resume(context.Background(), "c1")); len(chunks) != 0 {
			t.Fatalf("%s: expected empty stream, got %+v", name, chunks)
		}
	}
}
