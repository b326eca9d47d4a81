// Package tokens estimates token counts for prompt assembly and trims
// conversations down to a model's context budget.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/parley-chat/parley/internal/llm"
)

// perMessageOverhead approximates the framing tokens each chat message
// costs on top of its content.
const perMessageOverhead = 4

// fileTokenCost is the flat estimate charged for a file attachment.
// Attachments are opaque here; providers bill them very differently,
// so this only needs to be in the right ballpark for budgeting.
const fileTokenCost = 512

// Estimator counts tokens using the cl100k_base encoding. Counts are
// estimates: each provider tokenizes slightly differently, and the
// budgeter leaves headroom for that.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// Count returns the token count of text, falling back to a bytes/4
// heuristic if the encoding is unavailable.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Message returns the estimated cost of a single message including
// framing overhead.
func (e *Estimator) Message(msg llm.Message) int {
	total := perMessageOverhead
	for _, part := range msg.Parts {
		total += e.part(part)
	}
	return total
}

func (e *Estimator) part(part llm.Part) int {
	switch part.Type {
	case llm.PartText:
		return e.Count(part.Text)
	case llm.PartReasoning:
		return e.Count(part.Reasoning)
	case llm.PartFile:
		return fileTokenCost
	case llm.PartToolCall:
		if part.ToolCall == nil {
			return 0
		}
		return e.Count(part.ToolCall.Name) + e.Count(string(part.ToolCall.Arguments))
	case llm.PartToolResult:
		if part.ToolResult == nil {
			return 0
		}
		return e.Count(part.ToolResult.Content)
	}
	return 0
}

// Messages returns the estimated cost of an entire conversation.
func (e *Estimator) Messages(msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += e.Message(msg)
	}
	return total
}
