package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parley-chat/parley/internal/credit"
	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/thread"
	"github.com/parley-chat/parley/internal/tokens"
	"github.com/parley-chat/parley/internal/tools"
)

var turnTestModel = llm.ModelSpec{
	ID:              "test-model",
	Provider:        "fake",
	ContextWindow:   40000,
	MaxOutput:       1000,
	InputModalities: []string{"text"},
	InputPrice:      1000,
	OutputPrice:     1000,
}

type fakeSource struct {
	provider llm.Provider
	model    llm.ModelSpec
}

func (s *fakeSource) ForModel(id string) (llm.Provider, llm.ModelSpec, error) {
	if id != s.model.ID {
		return nil, llm.ModelSpec{}, errors.New("unknown model " + id)
	}
	return s.provider, s.model, nil
}

// scriptedProvider answers the main generation with main, and utility
// calls (title, suggestions) with canned text.
func scriptedProvider(main func(call int, req llm.Request) []llm.Event) *fakeProvider {
	mainCalls := 0
	return &fakeProvider{script: func(_ int, req llm.Request) []llm.Event {
		sys := ""
		for _, m := range req.Messages {
			if m.Role == llm.RoleSystem {
				sys = m.Text()
				break
			}
		}
		switch {
		case strings.HasPrefix(sys, "Generate a short title"):
			return []llm.Event{{Type: llm.EventTextDelta, Text: "Test Chat Title"}}
		case strings.HasPrefix(sys, "Suggest up to 3"):
			return []llm.Event{{Type: llm.EventTextDelta, Text: `["Tell me more"]`}}
		default:
			mainCalls++
			return main(mainCalls, req)
		}
	}}
}

func newTestOrchestrator(t *testing.T, provider llm.Provider) (*Orchestrator, *store.SQLiteStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &Orchestrator{
		Store:        st,
		Ledger:       credit.NewLedger(st, 1000),
		Estimator:    tokens.NewEstimator(),
		Resolver:     thread.NewResolver(st),
		Providers:    &fakeSource{provider: provider, model: turnTestModel},
		Catalog:      tools.DefaultCatalog(),
		Logger:       testLogger(),
		UtilityModel: turnTestModel.ID,
	}, st
}

func textTurn(text string) func(int, llm.Request) []llm.Event {
	return func(call int, req llm.Request) []llm.Event {
		return []llm.Event{
			{Type: llm.EventTextDelta, Text: text},
			{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 100, OutputTokens: 50}},
			{Type: llm.EventDone},
		}
	}
}

func TestTurnHappyPath(t *testing.T) {
	o, st := newTestOrchestrator(t, scriptedProvider(textTurn("hello!")))
	ctx := context.Background()

	emit, events := collectEmitted()
	result, err := o.Run(ctx, TurnRequest{
		ChatID: "chat-1",
		UserID: "u1",
		Model:  turnTestModel.ID,
		Text:   "hi",
	}, emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	chat, err := st.GetChat(ctx, "chat-1")
	if err != nil {
		t.Fatalf("chat not created: %v", err)
	}
	if chat.Title != "Test Chat Title" {
		t.Fatalf("title not applied: %q", chat.Title)
	}

	msgs, _ := st.ListMessages(ctx, "chat-1")
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant rows, got %d", len(msgs))
	}
	assistant, err := st.GetMessage(ctx, result.AssistantMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if assistant.IsPartial {
		t.Fatal("finished message must not stay partial")
	}
	if assistant.ParentMessageID != result.UserMessageID {
		t.Fatal("assistant must branch off the user message")
	}
	if got := (llm.Message{Role: llm.RoleAssistant, Parts: assistant.Parts}).Text(); got != "hello!" {
		t.Fatalf("content: %q", got)
	}

	if result.CreditsCharged <= 0 {
		t.Fatal("successful turn must charge credits")
	}
	avail, _ := o.Ledger.Available(ctx, "u1")
	if avail != 1000-result.CreditsCharged {
		t.Fatalf("balance mismatch: %d with %d charged", avail, result.CreditsCharged)
	}

	var kinds []string
	sawDone := false
	for _, ev := range *events {
		if ev.Data != nil {
			kinds = append(kinds, ev.Data.Kind)
		}
		if ev.Type == llm.EventDone {
			sawDone = true
		}
	}
	for _, want := range []string{"chatCreated", "messageStart", "title", "suggestions"} {
		found := false
		for _, kind := range kinds {
			if kind == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %s event, got %v", want, kinds)
		}
	}
	if !sawDone {
		t.Fatal("stream must end with done")
	}
}

func TestTurnValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, scriptedProvider(textTurn("x")))
	emit, _ := collectEmitted()

	_, err := o.Run(context.Background(), TurnRequest{ChatID: "c", UserID: "u1", Model: turnTestModel.ID, Text: "   "}, emit)
	if CodeOf(err) != CodeBadRequest {
		t.Fatalf("expected bad_request, got %v", err)
	}
	_, err = o.Run(context.Background(), TurnRequest{UserID: "u1", Model: turnTestModel.ID, Text: "hi"}, emit)
	if CodeOf(err) != CodeBadRequest {
		t.Fatalf("expected bad_request for missing chatId, got %v", err)
	}
	_, err = o.Run(context.Background(), TurnRequest{ChatID: "c", UserID: "u1", Model: "nope", Text: "hi"}, emit)
	if CodeOf(err) != CodeBadRequest {
		t.Fatalf("expected bad_request for unknown model, got %v", err)
	}
}

func TestTurnForbiddenForNonOwner(t *testing.T) {
	o, st := newTestOrchestrator(t, scriptedProvider(textTurn("x")))
	ctx := context.Background()
	if err := st.CreateChat(ctx, store.Chat{ID: "chat-1", UserID: "owner"}); err != nil {
		t.Fatal(err)
	}
	emit, _ := collectEmitted()
	_, err := o.Run(ctx, TurnRequest{ChatID: "chat-1", UserID: "intruder", Model: turnTestModel.ID, Text: "hi"}, emit)
	if CodeOf(err) != CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestTurnUnknownParent(t *testing.T) {
	o, _ := newTestOrchestrator(t, scriptedProvider(textTurn("x")))
	emit, _ := collectEmitted()
	_, err := o.Run(context.Background(), TurnRequest{
		ChatID: "chat-1", UserID: "u1", Model: turnTestModel.ID,
		Text: "hi", ParentMessageID: "ghost",
	}, emit)
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestTurnInsufficientCredits(t *testing.T) {
	o, st := newTestOrchestrator(t, scriptedProvider(textTurn("x")))
	o.Ledger = credit.NewLedger(st, 0)
	emit, _ := collectEmitted()
	_, err := o.Run(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "broke", Model: turnTestModel.ID, Text: "hi"}, emit)
	if CodeOf(err) != CodeInsufficientBudget {
		t.Fatalf("expected insufficient_budget, got %v", err)
	}
}

func TestTurnProviderFailureReleasesHold(t *testing.T) {
	o, st := newTestOrchestrator(t, &brokenProvider{})
	ctx := context.Background()

	emit, events := collectEmitted()
	result, err := o.Run(ctx, TurnRequest{ChatID: "chat-1", UserID: "u1", Model: turnTestModel.ID, Text: "hi"}, emit)
	if err == nil {
		t.Fatal("expected error")
	}

	// The hold is fully released; the balance is untouched.
	avail, _ := o.Ledger.Available(ctx, "u1")
	if avail != 1000 {
		t.Fatalf("hold not released: %d", avail)
	}

	// Partial output is persisted and never left marked partial.
	assistant, getErr := st.GetMessage(ctx, result.AssistantMessageID)
	if getErr != nil {
		t.Fatalf("assistant row missing: %v", getErr)
	}
	if assistant.IsPartial {
		t.Fatal("message left partial after failure")
	}

	sawError := false
	for _, ev := range *events {
		if ev.Type == llm.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("failure must surface as a stream error event")
	}
}

func TestTurnRetrySameMessageIDIsIdempotent(t *testing.T) {
	o, st := newTestOrchestrator(t, scriptedProvider(textTurn("x")))
	ctx := context.Background()

	emit, _ := collectEmitted()
	req := TurnRequest{ChatID: "chat-1", UserID: "u1", Model: turnTestModel.ID, Text: "hi", MessageID: "user-msg-1"}
	if _, err := o.Run(ctx, req, emit); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(ctx, req, emit); err != nil {
		t.Fatal(err)
	}

	msgs, _ := st.ListMessages(ctx, "chat-1")
	users := 0
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("retried submission duplicated the user message: %d rows", users)
	}
}

func TestTurnBudgetRejectsOversizedInput(t *testing.T) {
	small := turnTestModel
	small.ContextWindow = tokens.MinTailTokens // leaves no room after reserved output
	small.MaxOutput = 0
	provider := scriptedProvider(textTurn("x"))
	o, _ := newTestOrchestrator(t, provider)
	o.Providers = &fakeSource{provider: provider, model: small}
	o.UtilityModel = small.ID

	emit, _ := collectEmitted()
	_, err := o.Run(context.Background(), TurnRequest{
		ChatID: "chat-1", UserID: "u1", Model: small.ID,
		Text: strings.Repeat("many words here ", 500),
	}, emit)
	if CodeOf(err) != CodeInputTooLong {
		t.Fatalf("expected input_too_long, got %v", err)
	}
}

func TestTurnAnonymousUsesInlineHistory(t *testing.T) {
	var sawHistory bool
	provider := scriptedProvider(func(call int, req llm.Request) []llm.Event {
		for _, msg := range req.Messages {
			if msg.Role == llm.RoleAssistant && msg.Text() == "the capital is Paris" {
				sawHistory = true
			}
		}
		return textTurn("and Lyon is second")(call, req)
	})
	o, st := newTestOrchestrator(t, provider)
	o.Anon = credit.NewCounter(100)
	ctx := context.Background()

	emit, _ := collectEmitted()
	result, err := o.Run(ctx, TurnRequest{
		ChatID:    "anon-chat",
		UserID:    "anon:10.0.0.1",
		Anonymous: true,
		Model:     turnTestModel.ID,
		Text:      "what about the second city?",
		History: []llm.Message{
			llm.UserText("what is the capital of France?"),
			llm.AssistantText("the capital is Paris"),
		},
	}, emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawHistory {
		t.Fatal("inline history must reach the provider")
	}

	if _, err := st.GetChat(ctx, "anon-chat"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("anonymous turn must not create a chat row, got %v", err)
	}
	if msgs, _ := st.ListMessages(ctx, "anon-chat"); len(msgs) != 0 {
		t.Fatalf("anonymous turn persisted %d messages", len(msgs))
	}

	if result.CreditsCharged <= 0 {
		t.Fatal("anonymous turns are still charged")
	}
	if got := o.Anon.Remaining("anon:10.0.0.1"); got != 100-result.CreditsCharged {
		t.Fatalf("anonymous balance mismatch: %d", got)
	}
}

func TestTurnAnonymousHistoryIsWindowed(t *testing.T) {
	var got []string
	provider := scriptedProvider(func(call int, req llm.Request) []llm.Event {
		got = nil
		for _, msg := range req.Messages {
			if msg.Role == llm.RoleUser || msg.Role == llm.RoleAssistant {
				got = append(got, msg.Text())
			}
		}
		return textTurn("ok")(call, req)
	})
	o, _ := newTestOrchestrator(t, provider)
	o.Anon = credit.NewCounter(100)

	var history []llm.Message
	for i := 0; i < 10; i++ {
		history = append(history, llm.UserText(fmt.Sprintf("inline message %d", i)))
	}

	emit, _ := collectEmitted()
	_, err := o.Run(context.Background(), TurnRequest{
		ChatID: "anon-chat", UserID: "anon:10.0.0.1", Anonymous: true,
		Model: turnTestModel.ID, Text: "latest question", History: history,
	}, emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Last 5 inline messages plus the new one.
	if len(got) != thread.DefaultWindow+1 {
		t.Fatalf("expected %d messages, got %d: %v", thread.DefaultWindow+1, len(got), got)
	}
	if got[0] != "inline message 5" {
		t.Fatalf("oldest surviving message wrong: %v", got)
	}
	if got[len(got)-1] != "latest question" {
		t.Fatalf("new message must come last: %v", got)
	}
}

func TestTurnAnonymousRefundsOnFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, &brokenProvider{})
	o.Anon = credit.NewCounter(100)

	emit, _ := collectEmitted()
	_, err := o.Run(context.Background(), TurnRequest{
		ChatID: "anon-chat", UserID: "anon:10.0.0.1", Anonymous: true,
		Model: turnTestModel.ID, Text: "hi",
	}, emit)
	if err == nil {
		t.Fatal("expected a provider error")
	}
	if got := o.Anon.Remaining("anon:10.0.0.1"); got != 100 {
		t.Fatalf("failed turn must refund the hold, balance %d", got)
	}
}
