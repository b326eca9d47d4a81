package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider streams chat completions from the Gemini API.
type GeminiProvider struct {
	apiKey string
}

func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Stream(ctx context.Context, req Request) Stream {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return fmt.Errorf("gemini client: %w", err)
		}

		config := &genai.GenerateContentConfig{}
		if sys := systemText(req.Messages); sys != "" {
			config.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
		}
		if req.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxOutputTokens)
		}
		if req.Temperature != nil {
			t := float32(*req.Temperature)
			config.Temperature = &t
		}
		if spec, ok := LookupModel(req.Model); ok && spec.Reasoning {
			config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		}
		if len(req.Tools) > 0 {
			config.Tools = buildGeminiTools(req.Tools)
		}

		contents := buildGeminiContents(req.Messages)

		// Function calling is only reliable on the non-streaming
		// surface, so tool-enabled requests take that path.
		if len(req.Tools) > 0 {
			return p.generateOnce(ctx, client, req.Model, contents, config, events)
		}

		usage := Usage{}
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				return fmt.Errorf("gemini stream: %w", err)
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
			}
			if err := p.emitCandidates(ctx, resp, events); err != nil {
				return err
			}
		}
		if err := emit(ctx, events, Event{Type: EventUsage, Usage: &usage}); err != nil {
			return err
		}
		return emit(ctx, events, Event{Type: EventDone})
	})
}

func (p *GeminiProvider) generateOnce(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, config *genai.GenerateContentConfig, events chan<- Event) error {
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return fmt.Errorf("gemini generate: %w", err)
	}
	if err := p.emitCandidates(ctx, resp, events); err != nil {
		return err
	}
	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	if err := emit(ctx, events, Event{Type: EventUsage, Usage: &usage}); err != nil {
		return err
	}
	return emit(ctx, events, Event{Type: EventDone})
}

func (p *GeminiProvider) emitCandidates(ctx context.Context, resp *genai.GenerateContentResponse, events chan<- Event) error {
	callSeq := 0
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				callSeq++
				call := &ToolCall{
					ID:        fmt.Sprintf("%s-%d", part.FunctionCall.Name, callSeq),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				}
				if part.FunctionCall.ID != "" {
					call.ID = part.FunctionCall.ID
				}
				if err := emit(ctx, events, Event{Type: EventToolCall, ToolCall: call}); err != nil {
					return err
				}
			case part.Thought && part.Text != "":
				if err := emit(ctx, events, Event{Type: EventReasoningDelta, Text: part.Text}); err != nil {
					return err
				}
			case part.Text != "":
				if err := emit(ctx, events, Event{Type: EventTextDelta, Text: part.Text}); err != nil {
					return err
				}
			}
		}
		if cand.GroundingMetadata != nil {
			for _, chunk := range cand.GroundingMetadata.GroundingChunks {
				if chunk.Web == nil || chunk.Web.URI == "" {
					continue
				}
				src := &Source{URL: chunk.Web.URI, Title: chunk.Web.Title}
				if err := emit(ctx, events, Event{Type: EventSource, Source: src}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func buildGeminiContents(messages []Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Carried via SystemInstruction.
		case RoleUser:
			if t := msg.Text(); t != "" {
				out = append(out, genai.NewContentFromText(t, genai.RoleUser))
			}
		case RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			for _, part := range msg.Parts {
				switch part.Type {
				case PartText:
					if part.Text != "" {
						content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
					}
				case PartToolCall:
					if part.ToolCall == nil {
						continue
					}
					var args map[string]any
					_ = json.Unmarshal(part.ToolCall.Arguments, &args)
					content.Parts = append(content.Parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{Name: part.ToolCall.Name, Args: args},
					})
				}
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		case RoleTool:
			content := &genai.Content{Role: genai.RoleUser}
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     part.ToolResult.Name,
						Response: map[string]any{"output": part.ToolResult.Content},
					},
				})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		}
	}
	return out
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	tool := &genai.Tool{}
	for _, spec := range specs {
		var schema map[string]any
		_ = json.Unmarshal(spec.InputSchema, &schema)
		tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{tool}
}
