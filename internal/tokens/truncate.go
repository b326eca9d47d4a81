package tokens

import (
	"errors"
	"strings"

	"github.com/parley-chat/parley/internal/llm"
)

// ErrInputTooLong is returned when even an aggressively trimmed
// conversation cannot fit the budget.
var ErrInputTooLong = errors.New("input too long for context budget")

// MinTailTokens is the floor below which trimming the newest message
// stops making sense. If the budget left after system messages is
// smaller than this, the request is rejected instead of sending a
// fragment the model cannot act on.
const MinTailTokens = 100

// separators order the split granularity used when a single message
// must be cut: paragraphs first, then lines, sentences, clauses and
// words. Character-level cutting is the final fallback.
var separators = []string{"\n\n", "\n", ". ", ", ", " "}

// TruncateToFit returns a conversation whose estimated cost is at most
// budget. System messages are always preserved. Whole non-system
// messages are evicted oldest-first; the newest message is never
// evicted but may have its text cut down. Conversations that already
// fit are returned unchanged, so the operation is idempotent.
func (e *Estimator) TruncateToFit(msgs []llm.Message, budget int) ([]llm.Message, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}
	if e.Messages(msgs) <= budget {
		return msgs, nil
	}

	systemCost := 0
	var evictable []int
	for i, msg := range msgs {
		if msg.Role == llm.RoleSystem {
			systemCost += e.Message(msg)
		} else if i != len(msgs)-1 {
			evictable = append(evictable, i)
		}
	}

	drop := make(map[int]bool)
	total := e.Messages(msgs)
	for _, i := range evictable {
		if total <= budget {
			break
		}
		drop[i] = true
		total -= e.Message(msgs[i])
	}

	out := make([]llm.Message, 0, len(msgs)-len(drop))
	for i, msg := range msgs {
		if !drop[i] {
			out = append(out, msg)
		}
	}
	if e.Messages(out) <= budget {
		return out, nil
	}

	// Only system messages plus the newest message remain. Cut the
	// newest message's content into what budget is left.
	last := out[len(out)-1]
	available := budget - systemCost - perMessageOverhead
	if available < MinTailTokens {
		// The system prompt alone eats the budget. Degrade it before
		// giving up on the request.
		out, systemCost = e.shrinkSystem(out, budget-MinTailTokens-perMessageOverhead)
		available = budget - systemCost - perMessageOverhead
		if available < MinTailTokens {
			return nil, ErrInputTooLong
		}
	}
	trimmed, ok := e.shrinkMessage(last, available)
	if !ok {
		return nil, ErrInputTooLong
	}
	out[len(out)-1] = trimmed
	return out, nil
}

// shrinkSystem trims system messages down to limit tokens total,
// keeping other messages untouched. Returns the new slice and the new
// system cost.
func (e *Estimator) shrinkSystem(msgs []llm.Message, limit int) ([]llm.Message, int) {
	out := make([]llm.Message, 0, len(msgs))
	used := 0
	for _, msg := range msgs {
		if msg.Role != llm.RoleSystem {
			out = append(out, msg)
			continue
		}
		room := limit - used
		if room <= perMessageOverhead {
			continue
		}
		if cost := e.Message(msg); cost <= room {
			out = append(out, msg)
			used += cost
			continue
		}
		if trimmed, ok := e.shrinkMessage(msg, room-perMessageOverhead); ok {
			out = append(out, trimmed)
			used += e.Message(trimmed)
		}
	}
	return out, used
}

// shrinkMessage cuts a message's parts down to limit tokens. Parts are
// kept in order while they fit; the first text or tool-result part
// that does not fit has its text cut, and everything after it is
// dropped.
func (e *Estimator) shrinkMessage(msg llm.Message, limit int) (llm.Message, bool) {
	var parts []llm.Part
	used := 0
	for _, part := range msg.Parts {
		cost := e.part(part)
		if used+cost <= limit {
			parts = append(parts, part)
			used += cost
			continue
		}
		switch {
		case part.Type == llm.PartText:
			if cut := e.shrinkText(part.Text, limit-used); cut != "" {
				parts = append(parts, llm.Part{Type: llm.PartText, Text: cut})
			}
		case part.Type == llm.PartToolResult && part.ToolResult != nil:
			if cut := e.shrinkText(part.ToolResult.Content, limit-used); cut != "" {
				result := *part.ToolResult
				result.Content = cut
				parts = append(parts, llm.Part{Type: llm.PartToolResult, ToolResult: &result})
			}
		}
		break
	}
	if len(parts) == 0 {
		return llm.Message{}, false
	}
	return llm.Message{Role: msg.Role, Parts: parts}, true
}

// shrinkText keeps the longest prefix of text that fits within limit
// tokens, cutting at the coarsest separator that still makes progress.
func (e *Estimator) shrinkText(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if e.Count(text) <= limit {
		return text
	}
	return e.shrinkAt(text, limit, 0)
}

func (e *Estimator) shrinkAt(text string, limit, level int) string {
	if level >= len(separators) {
		return e.prefixTokens(text, limit)
	}
	chunks := strings.SplitAfter(text, separators[level])
	if len(chunks) == 1 {
		return e.shrinkAt(text, limit, level+1)
	}
	var b strings.Builder
	used := 0
	for _, chunk := range chunks {
		cost := e.Count(chunk)
		if used+cost <= limit {
			b.WriteString(chunk)
			used += cost
			continue
		}
		// Refine the chunk that tipped over, then stop.
		b.WriteString(e.shrinkAt(chunk, limit-used, level+1))
		break
	}
	return b.String()
}

// prefixTokens finds the longest rune prefix within limit tokens by
// binary search.
func (e *Estimator) prefixTokens(text string, limit int) string {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if e.Count(string(runes[:mid])) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
