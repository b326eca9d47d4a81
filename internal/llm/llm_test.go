package llm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func drain(t *testing.T, s Stream) ([]Event, error) {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestEventStreamEndsWithEOF(t *testing.T) {
	s := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		events <- Event{Type: EventTextDelta, Text: "hi"}
		return nil
	})
	events, err := drain(t, s)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 1 || events[0].Text != "hi" {
		t.Fatalf("unexpected events: %+v", events)
	}
	// Recv after EOF stays at EOF.
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestEventStreamPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	s := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		return boom
	})
	if _, err := drain(t, s); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestEventStreamCloseCancelsRun(t *testing.T) {
	started := make(chan struct{})
	s := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	s.Close()
	_, err := drain(t, s)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

type fakeProvider struct {
	calls  int
	script func(call int, req Request) Stream
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req Request) Stream {
	f.calls++
	return f.script(f.calls, req)
}

type errStream struct{ err error }

func (s *errStream) Recv() (Event, error) { return Event{}, s.err }
func (s *errStream) Close() error         { return nil }

func TestRetryProviderRetriesTransientErrors(t *testing.T) {
	fake := &fakeProvider{script: func(call int, req Request) Stream {
		if call == 1 {
			return &errStream{err: errors.New("HTTP 529 overloaded")}
		}
		return NewSliceStream(
			Event{Type: EventTextDelta, Text: "ok"},
			Event{Type: EventDone},
		)
	}}
	r := &RetryProvider{Inner: fake, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	events, err := drain(t, r.Stream(context.Background(), Request{Model: "m"}))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", fake.calls)
	}
	var sawRetry, sawText bool
	for _, ev := range events {
		switch ev.Type {
		case EventRetry:
			sawRetry = true
		case EventTextDelta:
			sawText = true
		}
	}
	if !sawRetry || !sawText {
		t.Fatalf("expected retry and text events, got %+v", events)
	}
}

func TestRetryProviderDoesNotRetryAfterOutput(t *testing.T) {
	fake := &fakeProvider{script: func(call int, req Request) Stream {
		return newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
			events <- Event{Type: EventTextDelta, Text: "partial"}
			return errors.New("connection reset")
		})
	}}
	r := &RetryProvider{Inner: fake, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	_, err := drain(t, r.Stream(context.Background(), Request{Model: "m"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", fake.calls)
	}
}

func TestRetryProviderGivesUpOnFatalError(t *testing.T) {
	fake := &fakeProvider{script: func(call int, req Request) Stream {
		return &errStream{err: errors.New("invalid_request_error: bad model")}
	}}
	r := &RetryProvider{Inner: fake, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	_, err := drain(t, r.Stream(context.Background(), Request{Model: "m"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.calls != 1 {
		t.Fatalf("fatal errors must not be retried, got %d attempts", fake.calls)
	}
}

func TestRetryAfterHint(t *testing.T) {
	d, ok := retryAfterHint(errors.New("429: retry-after: 7"))
	if !ok || d != 7*time.Second {
		t.Fatalf("got %v %v", d, ok)
	}
	if _, ok := retryAfterHint(errors.New("overloaded")); ok {
		t.Fatal("expected no hint")
	}
}

func TestToolCallAccumulator(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(0, "call_1", "get_weather")
	acc.Append(0, `{"city":`)
	acc.Append(0, `"Lisbon"}`)

	call, ok := acc.Finish(0)
	if !ok {
		t.Fatal("expected call")
	}
	if call.ID != "call_1" || call.Name != "get_weather" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if string(call.Arguments) != `{"city":"Lisbon"}` {
		t.Fatalf("unexpected arguments: %s", call.Arguments)
	}
	// Finishing an unknown block is a no-op.
	if _, ok := acc.Finish(3); ok {
		t.Fatal("expected no call for unknown index")
	}
}

func TestToolCallAccumulatorEmptyArguments(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(1, "call_2", "list_files")
	call, _ := acc.Finish(1)
	if string(call.Arguments) != "{}" {
		t.Fatalf("expected empty object, got %s", call.Arguments)
	}
}

func TestCompatToolStateAccumulatesByIndex(t *testing.T) {
	state := newCompatToolState()
	first := oaiToolCall{Index: 0, ID: "a", Type: "function"}
	first.Function.Name = "search"
	state.apply(first)

	frag := oaiToolCall{Index: 0}
	frag.Function.Arguments = `{"q":"go`
	state.apply(frag)
	frag.Function.Arguments = ` testing"}`
	state.apply(frag)

	second := oaiToolCall{Index: 1, ID: "b"}
	second.Function.Name = "fetch"
	state.apply(second)

	calls := state.flush()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "search" || string(calls[0].Arguments) != `{"q":"go testing"}` {
		t.Fatalf("unexpected first call: %+v", calls[0])
	}
	if calls[1].Name != "fetch" || string(calls[1].Arguments) != "{}" {
		t.Fatalf("unexpected second call: %+v", calls[1])
	}
	if len(state.flush()) != 0 {
		t.Fatal("flush must reset state")
	}
}

func TestBuildCompatMessages(t *testing.T) {
	msgs := []Message{
		SystemText("be brief"),
		UserText("hi"),
		{Role: RoleAssistant, Parts: []Part{
			{Type: PartText, Text: "checking"},
			{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "search", Arguments: []byte(`{"q":"x"}`)}},
		}},
		ToolResultMessage("c1", "search", "result"),
	}
	out := buildCompatMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(out))
	}
	if out[0].Role != "system" || out[1].Role != "user" {
		t.Fatalf("unexpected roles: %+v", out)
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "search" {
		t.Fatalf("tool call not carried: %+v", out[2])
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "c1" {
		t.Fatalf("tool result not carried: %+v", out[3])
	}
}

func TestToolResultBlockCarriesIDContentAndError(t *testing.T) {
	block := toolResultBlock(ToolResult{CallID: "c1", Name: "search", Content: "found it", IsError: true})
	tr := block.OfToolResult
	if tr == nil {
		t.Fatal("expected a tool result block")
	}
	if tr.ToolUseID != "c1" {
		t.Fatalf("tool_use_id %q", tr.ToolUseID)
	}
	if len(tr.Content) != 1 || tr.Content[0].OfText == nil || tr.Content[0].OfText.Text != "found it" {
		t.Fatalf("content not carried: %+v", tr.Content)
	}
	if !tr.IsError.Value {
		t.Fatal("is_error flag dropped")
	}
}

func TestParseModelThinking(t *testing.T) {
	model, budget := parseModelThinking("claude-sonnet-4-5-thinking")
	if model != "claude-sonnet-4-5" || budget != 10000 {
		t.Fatalf("got %s %d", model, budget)
	}
	model, budget = parseModelThinking("claude-sonnet-4-5")
	if model != "claude-sonnet-4-5" || budget != 0 {
		t.Fatalf("got %s %d", model, budget)
	}
}

func TestCostCreditsRoundsUp(t *testing.T) {
	spec := ModelSpec{InputPrice: 3, OutputPrice: 15}
	got := CostCredits(spec, Usage{InputTokens: 1000, OutputTokens: 1000})
	// 0.003 + 0.015 credits rounds up to 1.
	if got != 1 {
		t.Fatalf("expected 1 credit, got %d", got)
	}
	if CostCredits(spec, Usage{}) != 0 {
		t.Fatal("zero usage must cost nothing")
	}
}

func TestSystemTextJoinsSystemMessages(t *testing.T) {
	got := systemText([]Message{SystemText("a"), UserText("x"), SystemText("b")})
	if got != "a\n\nb" {
		t.Fatalf("got %q", got)
	}
}
