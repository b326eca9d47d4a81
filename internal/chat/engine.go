package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/parley-chat/parley/internal/llm"
	"github.com/parley-chat/parley/internal/tools"
)

// maxEngineTurns bounds the agentic loop. A model that keeps asking
// for tools past this is cut off with whatever it produced.
const maxEngineTurns = 8

// previewLimit caps the tool output excerpt attached to exec events.
const previewLimit = 200

// Engine drives the agentic generation loop: stream a model response,
// execute any tool calls it makes, feed the results back, repeat until
// the model answers with plain content.
type Engine struct {
	Provider llm.Provider
	Registry tools.Registry
	// Active names the tools the model may call this turn.
	Active []string
	Logger *slog.Logger
}

// Run executes the loop, forwarding every stream event to emit. It
// returns the assistant message assembled from all loop iterations and
// the accumulated usage. Partial output survives an error return: the
// message carries whatever was produced before the failure.
func (e *Engine) Run(ctx context.Context, req llm.Request, emit func(llm.Event)) (llm.Message, llm.Usage, error) {
	final := llm.Message{Role: llm.RoleAssistant}
	var totalUsage llm.Usage

	specs := e.Registry.Specs(e.Active)
	for turn := 0; turn < maxEngineTurns; turn++ {
		req.Tools = specs

		text, reasoning, calls, usage, err := e.streamOnce(ctx, req, emit)
		totalUsage.Add(usage)

		turnParts := assistantParts(text, reasoning, calls)
		final.Parts = append(final.Parts, turnParts...)

		if err != nil {
			return final, totalUsage, err
		}
		if len(calls) == 0 {
			return final, totalUsage, nil
		}

		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleAssistant, Parts: turnParts})
		results := e.executeToolCalls(ctx, calls, emit)
		for _, result := range results {
			final.Parts = append(final.Parts, llm.Part{Type: llm.PartToolResult, ToolResult: &result})
			msg := llm.ToolResultMessage(result.CallID, result.Name, result.Content)
			if result.IsError {
				msg = llm.ToolErrorMessage(result.CallID, result.Name, result.Content)
			}
			req.Messages = append(req.Messages, msg)
		}
		// Once tools have run the model must answer; forcing another
		// tool round here would loop on a confused model.
	}
	e.Logger.Warn("engine turn limit reached", "turns", maxEngineTurns)
	return final, totalUsage, nil
}

// streamOnce consumes a single provider stream, forwarding events and
// collecting the turn's content.
func (e *Engine) streamOnce(ctx context.Context, req llm.Request, emit func(llm.Event)) (string, string, []llm.ToolCall, llm.Usage, error) {
	stream := e.Provider.Stream(ctx, req)
	defer stream.Close()

	var text, reasoning strings.Builder
	var calls []llm.ToolCall
	var usage llm.Usage

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return text.String(), reasoning.String(), nil, usage, err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
		case llm.EventReasoningDelta:
			reasoning.WriteString(ev.Text)
		case llm.EventToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case llm.EventUsage:
			if ev.Usage != nil {
				usage.Add(*ev.Usage)
			}
		case llm.EventDone:
			// Folded into the engine's own completion signal.
			continue
		}
		emit(ev)
	}
	return text.String(), reasoning.String(), ensureToolCallIDs(dedupeToolCalls(calls)), usage, nil
}

// executeToolCalls runs the turn's tool calls and returns their
// results in call order. A single call runs inline; multiple calls run
// concurrently.
func (e *Engine) executeToolCalls(ctx context.Context, calls []llm.ToolCall, emit func(llm.Event)) []llm.ToolResult {
	if len(calls) == 1 {
		return []llm.ToolResult{e.executeOne(ctx, calls[0], emit)}
	}
	results := make([]llm.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = e.executeOne(ctx, call, emit)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Engine) executeOne(ctx context.Context, call llm.ToolCall, emit func(llm.Event)) llm.ToolResult {
	tool, ok := e.Registry.Get(call.Name)
	if !ok {
		return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}
	if !e.isActive(call.Name) {
		return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: fmt.Sprintf("tool %q is not available for this turn", call.Name), IsError: true}
	}

	emit(llm.Event{Type: llm.EventToolExecStart, ToolCall: &call, Text: tool.Preview(call.Arguments)})

	ctx = llm.ContextWithCallID(ctx, call.ID)
	output, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		e.Logger.Warn("tool failed", "tool", call.Name, "error", err)
		result := llm.ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
		emit(llm.Event{Type: llm.EventToolExecEnd, ToolCall: &call, Text: truncatePreview(err.Error())})
		return result
	}
	emit(llm.Event{Type: llm.EventToolExecEnd, ToolCall: &call, Text: truncatePreview(output)})
	return llm.ToolResult{CallID: call.ID, Name: call.Name, Content: output}
}

func (e *Engine) isActive(name string) bool {
	for _, active := range e.Active {
		if active == name {
			return true
		}
	}
	return false
}

func assistantParts(text, reasoning string, calls []llm.ToolCall) []llm.Part {
	var parts []llm.Part
	if reasoning != "" {
		parts = append(parts, llm.Part{Type: llm.PartReasoning, Reasoning: reasoning})
	}
	if text != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}
	for i := range calls {
		parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &calls[i]})
	}
	return parts
}

// ensureToolCallIDs backfills IDs for providers that omit them.
func ensureToolCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i+1)
		}
	}
	return calls
}

// dedupeToolCalls drops exact duplicates some providers emit when a
// stream is re-assembled after a retry.
func dedupeToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]bool)
	var out []llm.ToolCall
	for _, call := range calls {
		key := call.ID + "|" + call.Name + "|" + string(call.Arguments)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, call)
	}
	return out
}

func truncatePreview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit] + "…"
}
