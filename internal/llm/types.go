package llm

import (
	"context"
	"encoding/json"
)

// EventType identifies a streaming event emitted by a provider or engine.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCall       EventType = "tool_call"
	EventToolExecStart  EventType = "tool_exec_start"
	EventToolExecEnd    EventType = "tool_exec_end"
	EventDataDelta      EventType = "data_delta"
	EventSource         EventType = "source"
	EventUsage          EventType = "usage"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventRetry          EventType = "retry"
)

// Event is a single item in a generation stream.
type Event struct {
	Type EventType

	// Text carries the delta for text_delta and reasoning_delta events,
	// and the tool output preview for tool_exec_end.
	Text string

	// ToolCall is set for tool_call and tool_exec_* events.
	ToolCall *ToolCall

	// Data carries an arbitrary payload for data_delta events. Nested
	// generations (documents, research progress) surface their partial
	// state through these.
	Data *DataDelta

	// Source is set for source events emitted by grounded providers.
	Source *Source

	// Usage is set on usage events and accumulates across turns.
	Usage *Usage

	// Err is set for error events.
	Err error

	// Retry metadata, set on retry events.
	RetryAttempt int
	RetryDelayMS int64
}

// DataDelta is a typed side-channel payload carried inside a generation
// stream. Kind names the payload ("textDelta", "sheetDelta", "clear",
// "finish", "researchUpdate", ...); Payload is kind-specific JSON.
type DataDelta struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Source is a citation surfaced by a provider during grounded generation.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Usage reports token consumption for a provider call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Role of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of content in a message part.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is a piece of message content. A message is an ordered sequence
// of parts; assistant messages interleave text, reasoning and tool
// calls, tool messages carry tool results.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	// Reasoning content, plus the provider's opaque signature when one
	// was issued (required to replay thinking blocks to Anthropic).
	Reasoning          string `json:"reasoning,omitempty"`
	ReasoningSignature string `json:"reasoningSignature,omitempty"`

	// File attachment reference.
	FileURL       string `json:"fileUrl,omitempty"`
	FileMediaType string `json:"fileMediaType,omitempty"`
	FileName      string `json:"fileName,omitempty"`

	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// ToolCall is a request by the model to invoke a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool call.
type ToolResult struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// Message is a single entry in a conversation.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text returns the concatenation of all text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns all tool call parts of the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// SystemText builds a system message with a single text part.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

// UserText builds a user message with a single text part.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

// AssistantText builds an assistant message with a single text part.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

// ToolResultMessage builds a tool message carrying a successful result.
func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Parts: []Part{{
		Type:       PartToolResult,
		ToolResult: &ToolResult{CallID: callID, Name: name, Content: content},
	}}}
}

// ToolErrorMessage builds a tool message carrying a failed result.
func ToolErrorMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Parts: []Part{{
		Type:       PartToolResult,
		ToolResult: &ToolResult{CallID: callID, Name: name, Content: content, IsError: true},
	}}}
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice constrains how the model may use tools.
type ToolChoice struct {
	// Mode is "auto", "none" or "tool".
	Mode string
	// Name of the required tool when Mode is "tool".
	Name string
}

// Request is a provider-agnostic generation request.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolSpec
	ToolChoice      *ToolChoice
	MaxOutputTokens int64
	Temperature     *float64
	ReasoningEffort string
}

// Provider streams model output for a request.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) Stream
}

type callIDKey struct{}

// ContextWithCallID tags a context with the tool call being executed,
// so nested generations can correlate their data events.
func ContextWithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallIDFromContext returns the tool call ID set by ContextWithCallID.
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
