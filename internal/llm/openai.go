package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider streams chat completions from OpenAI or any
// API-compatible endpoint (xAI, local inference servers). Streaming
// goes over the raw wire protocol; the SDK client is used for the
// non-streaming surfaces.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	client     openai.Client
}

const openAIDefaultBaseURL = "https://api.openai.com/v1"

func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &OpenAIProvider{
		name:       "openai",
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		client:     openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// ListModels returns the IDs the remote endpoint advertises.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var ids []string
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

type oaiChatRequest struct {
	Model           string            `json:"model"`
	Messages        []oaiMessage      `json:"messages"`
	Stream          bool              `json:"stream"`
	StreamOptions   *oaiStreamOptions `json:"stream_options,omitempty"`
	Tools           []oaiTool         `json:"tools,omitempty"`
	ToolChoice      any               `json:"tool_choice,omitempty"`
	MaxTokens       int64             `json:"max_completion_tokens,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaiChunk struct {
	Choices []struct {
		Delta struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content"`
			ToolCalls        []oaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) Stream {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		body := oaiChatRequest{
			Model:           req.Model,
			Messages:        buildCompatMessages(req.Messages),
			Stream:          true,
			StreamOptions:   &oaiStreamOptions{IncludeUsage: true},
			MaxTokens:       req.MaxOutputTokens,
			Temperature:     req.Temperature,
			ReasoningEffort: req.ReasoningEffort,
		}
		if len(req.Tools) > 0 {
			body.Tools = buildCompatTools(req.Tools)
			body.ToolChoice = buildCompatToolChoice(req.ToolChoice)
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s request: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s: HTTP %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(detail)))
		}

		tools := newCompatToolState()
		usage := Usage{}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			if data == "[DONE]" {
				break
			}
			var chunk oaiChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				return fmt.Errorf("%s: %s", p.name, chunk.Error.Message)
			}
			if chunk.Usage != nil {
				usage.InputTokens = chunk.Usage.PromptTokens
				usage.OutputTokens = chunk.Usage.CompletionTokens
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.ReasoningContent != "" {
					if err := emit(ctx, events, Event{Type: EventReasoningDelta, Text: choice.Delta.ReasoningContent}); err != nil {
						return err
					}
				}
				if choice.Delta.Content != "" {
					if err := emit(ctx, events, Event{Type: EventTextDelta, Text: choice.Delta.Content}); err != nil {
						return err
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					tools.apply(tc)
				}
				if choice.FinishReason != "" {
					for _, call := range tools.flush() {
						if err := emit(ctx, events, Event{Type: EventToolCall, ToolCall: &call}); err != nil {
							return err
						}
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s stream: %w", p.name, err)
		}
		for _, call := range tools.flush() {
			if err := emit(ctx, events, Event{Type: EventToolCall, ToolCall: &call}); err != nil {
				return err
			}
		}
		if err := emit(ctx, events, Event{Type: EventUsage, Usage: &usage}); err != nil {
			return err
		}
		return emit(ctx, events, Event{Type: EventDone})
	})
}

// compatToolState accumulates streamed tool call fragments, which
// arrive as indexed deltas with the arguments split across chunks.
type compatToolState struct {
	order []int
	calls map[int]*oaiToolCall
}

func newCompatToolState() *compatToolState {
	return &compatToolState{calls: make(map[int]*oaiToolCall)}
}

func (s *compatToolState) apply(delta oaiToolCall) {
	call, ok := s.calls[delta.Index]
	if !ok {
		call = &oaiToolCall{Index: delta.Index}
		s.calls[delta.Index] = call
		s.order = append(s.order, delta.Index)
	}
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.Function.Name != "" {
		call.Function.Name = delta.Function.Name
	}
	call.Function.Arguments += delta.Function.Arguments
}

func (s *compatToolState) flush() []ToolCall {
	var out []ToolCall
	for _, idx := range s.order {
		call := s.calls[idx]
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	s.order = nil
	s.calls = make(map[int]*oaiToolCall)
	return out
}

func buildCompatMessages(messages []Message) []oaiMessage {
	var out []oaiMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, oaiMessage{Role: "system", Content: msg.Text()})
		case RoleUser:
			out = append(out, oaiMessage{Role: "user", Content: msg.Text()})
		case RoleAssistant:
			m := oaiMessage{Role: "assistant", Content: msg.Text()}
			for _, call := range msg.ToolCalls() {
				tc := oaiToolCall{ID: call.ID, Type: "function"}
				tc.Function.Name = call.Name
				tc.Function.Arguments = string(call.Arguments)
				m.ToolCalls = append(m.ToolCalls, tc)
			}
			out = append(out, m)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type == PartToolResult && part.ToolResult != nil {
					out = append(out, oaiMessage{
						Role:       "tool",
						Content:    part.ToolResult.Content,
						ToolCallID: part.ToolResult.CallID,
					})
				}
			}
		}
	}
	return out
}

func buildCompatTools(specs []ToolSpec) []oaiTool {
	var tools []oaiTool
	for _, spec := range specs {
		t := oaiTool{Type: "function"}
		t.Function.Name = spec.Name
		t.Function.Description = spec.Description
		t.Function.Parameters = spec.InputSchema
		tools = append(tools, t)
	}
	return tools
}

func buildCompatToolChoice(choice *ToolChoice) any {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case "none":
		return "none"
	case "auto":
		return "auto"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		}
	}
	return nil
}
