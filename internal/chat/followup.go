package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode"

	"github.com/parley-chat/parley/internal/llm"
)

const maxTitleLength = 60

// generateTitle asks the utility model for a short chat title, falling
// back to a truncation of the user's message when the call fails.
func (o *Orchestrator) generateTitle(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	gen := o.utilityGenerator()
	if gen == nil {
		return truncateForTitle(text)
	}
	stream := gen.Stream(ctx, llm.Request{
		Model: o.utilityModel(),
		Messages: []llm.Message{
			llm.SystemText("Generate a short title (at most 6 words) for a conversation that starts with the following message. Reply with the title only, no quotes."),
			llm.UserText(text),
		},
		MaxOutputTokens: 50,
	})
	defer stream.Close()

	title, err := collectStreamText(stream)
	if err != nil || strings.TrimSpace(title) == "" {
		o.Logger.Debug("title generation failed, using fallback", "error", err)
		return truncateForTitle(text)
	}
	return truncateForTitle(strings.Trim(strings.TrimSpace(title), `"`))
}

// generateSuggestions proposes up to three follow-up prompts for the
// finished exchange. Best effort: any failure yields none.
func (o *Orchestrator) generateSuggestions(ctx context.Context, question, answer string) []string {
	gen := o.utilityGenerator()
	if gen == nil {
		return nil
	}
	if strings.TrimSpace(answer) == "" {
		return nil
	}
	stream := gen.Stream(ctx, llm.Request{
		Model: o.utilityModel(),
		Messages: []llm.Message{
			llm.SystemText(`Suggest up to 3 short follow-up messages the user might send next. Reply with a JSON array of strings and nothing else.`),
			llm.UserText("User asked:\n" + question + "\n\nAssistant answered:\n" + answer),
		},
		MaxOutputTokens: 200,
	})
	defer stream.Close()

	raw, err := collectStreamText(stream)
	if err != nil {
		o.Logger.Debug("suggestion generation failed", "error", err)
		return nil
	}
	return parseSuggestions(raw)
}

func parseSuggestions(raw string) []string {
	raw = strings.TrimSpace(raw)
	// Models occasionally wrap the array in a code fence.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var suggestions []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &suggestions); err != nil {
		return nil
	}
	var out []string
	for _, s := range suggestions {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// truncateForTitle cuts text to a title-sized fragment on a word
// boundary.
func truncateForTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxTitleLength {
		return text
	}
	cut := text[:maxTitleLength]
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > maxTitleLength/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

func collectStreamText(stream llm.Stream) (string, error) {
	var b strings.Builder
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			b.WriteString(ev.Text)
		case llm.EventError:
			if ev.Err != nil {
				return "", ev.Err
			}
		}
	}
	return b.String(), nil
}
