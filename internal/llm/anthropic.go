package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider streams chat completions from the Anthropic
// Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) Stream {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		model, thinkingBudget := parseModelThinking(req.Model)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens(req.MaxOutputTokens, 8192),
			Messages:  buildAnthropicMessages(req.Messages),
		}
		if sys := systemText(req.Messages); sys != "" {
			params.System = []anthropic.TextBlockParam{{Text: sys}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildAnthropicTools(req.Tools)
			if tc := buildAnthropicToolChoice(req.ToolChoice); tc != nil {
				params.ToolChoice = *tc
			}
		}
		if thinkingBudget > 0 {
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget)
		} else if req.Temperature != nil {
			params.Temperature = anthropic.Float(*req.Temperature)
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		acc := newToolCallAccumulator()
		usage := Usage{}

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = ev.Message.Usage.InputTokens
			case anthropic.ContentBlockStartEvent:
				switch blk := ev.ContentBlock.AsAny().(type) {
				case anthropic.ToolUseBlock:
					acc.Start(int(ev.Index), blk.ID, blk.Name)
				}
			case anthropic.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if err := emit(ctx, events, Event{Type: EventTextDelta, Text: d.Text}); err != nil {
						return err
					}
				case anthropic.ThinkingDelta:
					if err := emit(ctx, events, Event{Type: EventReasoningDelta, Text: d.Thinking}); err != nil {
						return err
					}
				case anthropic.InputJSONDelta:
					acc.Append(int(ev.Index), d.PartialJSON)
				}
			case anthropic.ContentBlockStopEvent:
				if call, ok := acc.Finish(int(ev.Index)); ok {
					if err := emit(ctx, events, Event{Type: EventToolCall, ToolCall: &call}); err != nil {
						return err
					}
				}
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic stream: %w", err)
		}
		if err := emit(ctx, events, Event{Type: EventUsage, Usage: &usage}); err != nil {
			return err
		}
		return emit(ctx, events, Event{Type: EventDone})
	})
}

// parseModelThinking strips a "-thinking" model suffix and returns the
// extended thinking budget it implies.
func parseModelThinking(model string) (string, int64) {
	if base, ok := strings.CutSuffix(model, "-thinking"); ok {
		return base, 10000
	}
	return model, 0
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Folded into the top-level system prompt.
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(buildAnthropicBlocks(msg.Parts)...))
		case RoleAssistant:
			blocks := buildAnthropicBlocks(msg.Parts)
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Parts {
				if part.Type == PartToolResult && part.ToolResult != nil {
					blocks = append(blocks, toolResultBlock(*part.ToolResult))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func buildAnthropicBlocks(parts []Part) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case PartReasoning:
			if part.ReasoningSignature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(part.ReasoningSignature, part.Reasoning))
			}
		case PartToolCall:
			if part.ToolCall != nil {
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, toolInputToRaw(part.ToolCall.Arguments), part.ToolCall.Name))
			}
		}
	}
	return blocks
}

func toolResultBlock(result ToolResult) anthropic.ContentBlockParamUnion {
	block := anthropic.ToolResultBlockParam{
		ToolUseID: result.CallID,
		IsError:   anthropic.Bool(result.IsError),
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: result.Content}},
		},
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	var tools []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		_ = json.Unmarshal(spec.InputSchema, &schema)
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return tools
}

func buildAnthropicToolChoice(choice *ToolChoice) *anthropic.ToolChoiceUnionParam {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case "none":
		return &anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case "tool":
		return &anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice.Name}}
	case "auto":
		return &anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
	return nil
}

// toolInputToRaw normalizes stored tool arguments into something the
// API accepts as a JSON object.
func toolInputToRaw(args json.RawMessage) any {
	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil || parsed == nil {
		return map[string]any{}
	}
	return parsed
}

func maxTokens(requested, fallback int64) int64 {
	if requested > 0 {
		return requested
	}
	return fallback
}

// systemText joins the text of all system messages.
func systemText(messages []Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if t := msg.Text(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func emit(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toolCallAccumulator assembles streaming tool call JSON, keyed by
// content block index.
type toolCallAccumulator struct {
	calls   map[int]*ToolCall
	partial map[int]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		calls:   make(map[int]*ToolCall),
		partial: make(map[int]*strings.Builder),
	}
}

func (a *toolCallAccumulator) Start(index int, id, name string) {
	a.calls[index] = &ToolCall{ID: id, Name: name}
	a.partial[index] = &strings.Builder{}
}

func (a *toolCallAccumulator) Append(index int, fragment string) {
	if b, ok := a.partial[index]; ok {
		b.WriteString(fragment)
	}
}

func (a *toolCallAccumulator) Finish(index int) (ToolCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return ToolCall{}, false
	}
	raw := a.partial[index].String()
	if raw == "" {
		raw = "{}"
	}
	call.Arguments = json.RawMessage(raw)
	delete(a.calls, index)
	delete(a.partial, index)
	return *call, true
}
