package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/credit"
	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/thread"
	"github.com/parley-chat/parley/internal/tokens"
	"github.com/parley-chat/parley/internal/tools"
)

// DefaultTurnTimeout bounds one turn end to end, tool execution
// included.
const DefaultTurnTimeout = 5 * time.Minute

// budgetHeadroom is kept free inside the context window to absorb
// tokenizer estimation drift.
const budgetHeadroom = 1024

const defaultSystemPrompt = `You are a helpful assistant. Be direct and concise. Use the available tools when they genuinely help; answer directly when they do not.`

// TurnRequest describes one user turn.
type TurnRequest struct {
	// ChatID is client-generated; the first turn creates the chat.
	ChatID string
	// UserID owns the chat. Anonymous clients get a synthetic ID.
	UserID    string
	Anonymous bool
	// History carries the prior thread inline for anonymous turns,
	// which have nothing stored to resolve against.
	History []llm.Message
	// Model from the catalog; empty selects the default.
	Model string
	// ParentMessageID selects the thread branch being extended. Empty
	// starts a new root.
	ParentMessageID string
	// MessageID is the client-generated ID of the user message, making
	// retried submissions idempotent. Empty generates one.
	MessageID string
	Text      string
	// Files are attachment parts included with the user message.
	Files []llm.Part
	// Tools explicitly requested for this turn. Nil means default
	// selection; an empty non-nil slice disables tools.
	Tools      []string
	Visibility store.Visibility
}

// TurnResult reports what a finished turn produced.
type TurnResult struct {
	ChatID             string
	UserMessageID      string
	AssistantMessageID string
	Usage              llm.Usage
	CreditsCharged     int64
}

// ProviderSource routes catalog models to providers. Satisfied by
// llm.ProviderSet.
type ProviderSource interface {
	ForModel(modelID string) (llm.Provider, llm.ModelSpec, error)
}

// Orchestrator wires a turn through its stages.
type Orchestrator struct {
	Store     store.Store
	Ledger    *credit.Ledger
	Estimator *tokens.Estimator
	Resolver  *thread.Resolver
	Providers ProviderSource
	Catalog   tools.Catalog
	Search    tools.SearchBackend
	Logger    *slog.Logger
	// Anon, when set, bills anonymous turns. It charges the full hold
	// on send and refunds it when the turn fails.
	Anon *credit.Counter
	// UtilityModel runs titles, follow-ups and nested document
	// generations. Defaults to the catalog default model.
	UtilityModel string
	Timeout      time.Duration
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTurnTimeout
}

func (o *Orchestrator) utilityModel() string {
	if o.UtilityModel != "" {
		return o.UtilityModel
	}
	return llm.DefaultModel
}

// Run executes one turn, forwarding stream events to emit. Errors
// raised after streaming starts are also surfaced as error events so
// connected clients see a graceful end of stream.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, emit func(llm.Event)) (*TurnResult, error) {
	result, err := o.run(ctx, req, emit)
	if err != nil {
		emit(llm.Event{Type: llm.EventError, Err: errors.New(UserMessage(err))})
		return result, err
	}
	emit(llm.Event{Type: llm.EventDone})
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, emit func(llm.Event)) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		return nil, E(CodeBadRequest, "message must not be empty")
	}
	if req.ChatID == "" {
		return nil, E(CodeBadRequest, "chatId is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = llm.DefaultModel
	}
	provider, model, err := o.Providers.ForModel(modelID)
	if err != nil {
		return nil, Wrap(CodeBadRequest, err, "model %q is not available", modelID)
	}

	var (
		chat    store.Chat
		created bool
		history []store.Message
	)
	if req.Anonymous {
		// Anonymous turns carry their thread inline and persist
		// nothing. The recency window applies to them all the same.
		chat = store.Chat{ID: req.ChatID, UserID: req.UserID}
		for _, msg := range req.History {
			history = append(history, store.Message{ChatID: chat.ID, Role: msg.Role, Parts: msg.Parts})
		}
		history = thread.Window(history, thread.DefaultWindow)
	} else {
		chat, created, err = o.ensureChat(ctx, req)
		if err != nil {
			return nil, err
		}
		if created {
			emit(dataEvent("chatCreated", chat.ID, map[string]string{"chatId": chat.ID}))
		}

		// Resolve the branch being extended before appending to it.
		history, err = o.Resolver.Thread(ctx, chat.ID, req.ParentMessageID)
		if err != nil {
			if errors.Is(err, thread.ErrNotFound) {
				return nil, Wrap(CodeNotFound, err, "parent message not found")
			}
			return nil, Wrap(CodeBadRequest, err, "could not resolve thread")
		}
	}

	userMsg := store.Message{
		ID:              req.MessageID,
		ChatID:          chat.ID,
		ParentMessageID: req.ParentMessageID,
		Role:            llm.RoleUser,
		Parts:           userParts(req),
	}
	if userMsg.ID == "" {
		userMsg.ID = uuid.NewString()
	}
	if !req.Anonymous {
		if err := o.Store.UpsertMessage(ctx, userMsg); err != nil {
			return nil, Wrap(CodeProviderError, err, "persist user message")
		}
	}

	prompt := buildPrompt(history, userMsg)
	budget := model.ContextWindow - int(model.MaxOutput) - budgetHeadroom
	prompt, err = o.Estimator.TruncateToFit(prompt, budget)
	if err != nil {
		return nil, Wrap(CodeInputTooLong, err, "message does not fit the model's context window")
	}
	inputTokens := o.Estimator.Messages(prompt)

	var available int64
	if req.Anonymous {
		if o.Anon == nil {
			return nil, E(CodeForbidden, "anonymous access is not enabled")
		}
		available = o.Anon.Remaining(req.UserID)
	} else {
		available, err = o.Ledger.Available(ctx, req.UserID)
		if err != nil {
			return nil, Wrap(CodeProviderError, err, "credit lookup")
		}
	}
	genEstimate := estimateCost(model, inputTokens)
	active, err := tools.SelectActive(o.Catalog, model, available-genEstimate, req.Tools)
	if err != nil {
		var unaffordable *tools.ErrToolUnaffordable
		if errors.As(err, &unaffordable) {
			return nil, Wrap(CodeInsufficientBudget, err, "not enough credits for tool %s", unaffordable.Tool)
		}
		return nil, Wrap(CodeBadRequest, err, "invalid tool selection")
	}
	hold := genEstimate + tools.HoldCost(o.Catalog, active)
	var reservationID string
	if req.Anonymous {
		if err := o.Anon.Spend(req.UserID, hold); err != nil {
			return nil, Wrap(CodeInsufficientBudget, err, "anonymous credit limit exceeded")
		}
	} else {
		reservationID, err = o.Ledger.Reserve(ctx, req.UserID, hold)
		if err != nil {
			if errors.Is(err, credit.ErrInsufficientCredits) {
				return nil, Wrap(CodeInsufficientBudget, err, "not enough credits for this request")
			}
			return nil, Wrap(CodeProviderError, err, "reserve credits")
		}
	}
	// The hold settles exactly once, whichever way the turn ends.
	settled := false
	defer func() {
		if settled {
			return
		}
		if req.Anonymous {
			o.Anon.Refund(req.UserID, hold)
		} else {
			o.settleRelease(reservationID)
		}
	}()

	assistantID := uuid.NewString()
	placeholder := store.Message{
		ID:              assistantID,
		ChatID:          chat.ID,
		ParentMessageID: userMsg.ID,
		Role:            llm.RoleAssistant,
		Model:           model.ID,
		IsPartial:       true,
	}
	if !req.Anonymous {
		if err := o.Store.UpsertMessage(ctx, placeholder); err != nil {
			return nil, Wrap(CodeProviderError, err, "persist assistant placeholder")
		}
	}
	emit(dataEvent("messageStart", assistantID, map[string]string{
		"messageId":     assistantID,
		"userMessageId": userMsg.ID,
		"model":         model.ID,
	}))

	registry := o.buildRegistry(chat.ID, emit)
	engine := &Engine{Provider: provider, Registry: registry, Active: active, Logger: o.Logger}
	assistant, usage, runErr := engine.Run(ctx, llm.Request{
		Model:           model.ID,
		Messages:        prompt,
		MaxOutputTokens: model.MaxOutput,
	}, emit)

	// Whatever happened, the placeholder never stays partial.
	finalMsg := placeholder
	finalMsg.Parts = assistant.Parts
	finalMsg.IsPartial = false
	finalMsg.InputTokens = usage.InputTokens
	finalMsg.OutputTokens = usage.OutputTokens
	persistCtx := context.WithoutCancel(ctx)
	if !req.Anonymous {
		if err := o.Store.UpsertMessage(persistCtx, finalMsg); err != nil {
			o.Logger.Error("persist assistant message", "message", assistantID, "error", err)
		}
	}

	result := &TurnResult{
		ChatID:             chat.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantID,
		Usage:              usage,
	}

	if runErr != nil {
		// The deferred release settles the hold.
		if errors.Is(runErr, context.DeadlineExceeded) {
			return result, Wrap(CodeTimeout, runErr, "generation timed out")
		}
		if errors.Is(runErr, context.Canceled) {
			return result, Wrap(CodeTimeout, runErr, "generation aborted")
		}
		return result, classifyProviderError(runErr)
	}

	if req.Anonymous {
		// The counter charged the full hold on send.
		result.CreditsCharged = hold
	} else {
		actual := llm.CostCredits(model, usage) + executedToolCost(o.Catalog, assistant)
		if err := o.Ledger.Finalize(persistCtx, reservationID, actual); err != nil {
			o.Logger.Error("finalize reservation", "reservation", reservationID, "error", err)
		}
		result.CreditsCharged = actual
	}
	settled = true

	if !req.Anonymous {
		o.postProcess(persistCtx, chat, created, userMsg, assistant, emit)
	}
	return result, nil
}

func (o *Orchestrator) settleRelease(reservationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Ledger.Release(ctx, reservationID); err != nil {
		o.Logger.Error("release reservation", "reservation", reservationID, "error", err)
	}
}

// ensureChat loads the chat or creates it on first contact. Writing
// into someone else's chat is forbidden regardless of visibility.
func (o *Orchestrator) ensureChat(ctx context.Context, req TurnRequest) (store.Chat, bool, error) {
	chat, err := o.Store.GetChat(ctx, req.ChatID)
	if err == nil {
		if chat.UserID != req.UserID {
			return store.Chat{}, false, E(CodeForbidden, "chat belongs to another user")
		}
		return chat, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Chat{}, false, Wrap(CodeProviderError, err, "load chat")
	}
	chat = store.Chat{
		ID:         req.ChatID,
		UserID:     req.UserID,
		Visibility: req.Visibility,
	}
	if err := o.Store.CreateChat(ctx, chat); err != nil {
		return store.Chat{}, false, Wrap(CodeProviderError, err, "create chat")
	}
	return chat, true, nil
}

// buildRegistry assembles the per-turn tool registry. Tools that
// stream content get this turn's emit and chat.
func (o *Orchestrator) buildRegistry(chatID string, emit tools.Emit) tools.Registry {
	registry := tools.Registry{}
	generator := o.utilityGenerator()
	if o.Search != nil {
		registry.Register(&tools.WebSearchTool{Backend: o.Search, Emit: emit})
		if generator != nil {
			registry.Register(&tools.ResearchTool{Backend: o.Search, Generator: generator, Model: o.utilityModel(), Emit: emit})
		}
	}
	if generator != nil {
		registry.Register(&tools.CreateDocumentTool{Store: o.Store, Generator: generator, Model: o.utilityModel(), ChatID: chatID, Emit: emit})
		registry.Register(&tools.UpdateDocumentTool{Store: o.Store, Generator: generator, Model: o.utilityModel(), Emit: emit})
	}
	return registry
}

func (o *Orchestrator) utilityGenerator() tools.Generator {
	provider, _, err := o.Providers.ForModel(o.utilityModel())
	if err != nil {
		return nil
	}
	return provider
}

// postProcess runs the best-effort finishing touches: chat title and
// follow-up suggestions. Failures are logged, never surfaced.
func (o *Orchestrator) postProcess(ctx context.Context, chat store.Chat, created bool, userMsg store.Message, assistant llm.Message, emit func(llm.Event)) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	question := llm.Message{Role: llm.RoleUser, Parts: userMsg.Parts}.Text()

	if created || chat.Title == "" {
		title := o.generateTitle(ctx, question)
		if title != "" {
			if err := o.Store.UpdateChatTitle(ctx, chat.ID, title); err != nil {
				o.Logger.Warn("save chat title", "chat", chat.ID, "error", err)
			} else {
				emit(dataEvent("title", chat.ID, map[string]string{"title": title}))
			}
		}
	}

	if suggestions := o.generateSuggestions(ctx, question, assistant.Text()); len(suggestions) > 0 {
		emit(dataEvent("suggestions", chat.ID, suggestions))
	}
}

func userParts(req TurnRequest) []llm.Part {
	var parts []llm.Part
	if strings.TrimSpace(req.Text) != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: req.Text})
	}
	parts = append(parts, req.Files...)
	return parts
}

func buildPrompt(history []store.Message, userMsg store.Message) []llm.Message {
	prompt := []llm.Message{llm.SystemText(defaultSystemPrompt)}
	for _, msg := range history {
		prompt = append(prompt, llm.Message{Role: msg.Role, Parts: msg.Parts})
	}
	prompt = append(prompt, llm.Message{Role: userMsg.Role, Parts: userMsg.Parts})
	return prompt
}

// estimateCost predicts the credit hold for a generation, assuming the
// response uses a quarter of the output allowance.
func estimateCost(model llm.ModelSpec, inputTokens int) int64 {
	est := llm.CostCredits(model, llm.Usage{
		InputTokens:  int64(inputTokens),
		OutputTokens: model.MaxOutput / 4,
	})
	if est < 1 {
		est = 1
	}
	return est
}

// executedToolCost charges only for tools that actually ran.
func executedToolCost(catalog tools.Catalog, assistant llm.Message) int64 {
	var total int64
	for _, part := range assistant.Parts {
		if part.Type == llm.PartToolResult && part.ToolResult != nil && !part.ToolResult.IsError {
			total += catalog[part.ToolResult.Name].Cost
		}
	}
	return total
}

func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return Wrap(CodeRateLimited, err, "provider rate limit")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return Wrap(CodeTimeout, err, "provider timeout")
	default:
		return Wrap(CodeProviderError, err, "provider failure")
	}
}

func dataEvent(kind, id string, payload any) llm.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(payload)))
	}
	return llm.Event{Type: llm.EventDataDelta, Data: &llm.DataDelta{Kind: kind, ID: id, Payload: raw}}
}
