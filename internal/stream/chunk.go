// Package stream fans one turn's event stream out to any number of
// SSE subscribers and lets a reconnecting client resume a live or
// just-finished generation.
package stream

import (
	"encoding/json"

	"github.com/parley-chat/parley/internal/llm"
)

// Chunk is one frame on the client wire. Seq is assigned when the
// chunk enters a live stream and is strictly increasing within it.
type Chunk struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	Delta string `json:"delta,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Preview    string          `json:"preview,omitempty"`

	DataKind string          `json:"dataKind,omitempty"`
	DataID   string          `json:"dataId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`

	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`

	Message string `json:"message,omitempty"`

	// AppendMessage carries a whole persisted message on synthesized
	// resume streams.
	AppendMessage json.RawMessage `json:"appendMessage,omitempty"`
}

// FromEvent converts an engine event into its wire chunk. Returns
// false for events with no client representation.
func FromEvent(ev llm.Event) (Chunk, bool) {
	switch ev.Type {
	case llm.EventTextDelta:
		return Chunk{Type: "text-delta", Delta: ev.Text}, true
	case llm.EventReasoningDelta:
		return Chunk{Type: "reasoning-delta", Delta: ev.Text}, true
	case llm.EventToolCall:
		if ev.ToolCall == nil {
			return Chunk{}, false
		}
		return Chunk{Type: "tool-call", ToolCallID: ev.ToolCall.ID, ToolName: ev.ToolCall.Name, Args: ev.ToolCall.Arguments}, true
	case llm.EventToolExecStart:
		if ev.ToolCall == nil {
			return Chunk{}, false
		}
		return Chunk{Type: "tool-start", ToolCallID: ev.ToolCall.ID, ToolName: ev.ToolCall.Name, Preview: ev.Text}, true
	case llm.EventToolExecEnd:
		if ev.ToolCall == nil {
			return Chunk{}, false
		}
		return Chunk{Type: "tool-end", ToolCallID: ev.ToolCall.ID, ToolName: ev.ToolCall.Name, Preview: ev.Text}, true
	case llm.EventDataDelta:
		if ev.Data == nil {
			return Chunk{}, false
		}
		return Chunk{Type: "data", DataKind: ev.Data.Kind, DataID: ev.Data.ID, Payload: ev.Data.Payload}, true
	case llm.EventSource:
		if ev.Source == nil {
			return Chunk{}, false
		}
		return Chunk{Type: "source", URL: ev.Source.URL, Title: ev.Source.Title}, true
	case llm.EventUsage:
		if ev.Usage == nil {
			return Chunk{}, false
		}
		return Chunk{Type: "usage", InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}, true
	case llm.EventRetry:
		return Chunk{Type: "retry"}, true
	case llm.EventError:
		msg := "generation failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return Chunk{Type: "error", Message: msg}, true
	case llm.EventDone:
		return Chunk{Type: "finish"}, true
	}
	return Chunk{}, false
}
