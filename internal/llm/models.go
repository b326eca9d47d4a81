package llm

// ModelSpec describes a chat model: which provider serves it, how large
// its context window is, and what it can accept and do. Pricing is
// expressed in credits per million tokens.
type ModelSpec struct {
	ID              string
	Provider        string
	DisplayName     string
	ContextWindow   int
	MaxOutput       int64
	Reasoning       bool
	InputModalities []string
	InputPrice      float64
	OutputPrice     float64
}

// SupportsTools reports whether the model can drive tool calls. Models
// that declare no input modalities are treated as text-completion only.
func (m ModelSpec) SupportsTools() bool {
	return len(m.InputModalities) > 0
}

// Models is the curated catalog of chat models, keyed by model ID.
var Models = map[string]ModelSpec{
	"claude-sonnet-4-5": {
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 64000,
		InputModalities: []string{"text", "image", "pdf"},
		InputPrice:      3, OutputPrice: 15,
	},
	"claude-sonnet-4-5-thinking": {
		ID: "claude-sonnet-4-5-thinking", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5 (Extended Thinking)",
		ContextWindow: 200000, MaxOutput: 64000, Reasoning: true,
		InputModalities: []string{"text", "image", "pdf"},
		InputPrice:      3, OutputPrice: 15,
	},
	"claude-haiku-4-5": {
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 32000,
		InputModalities: []string{"text", "image"},
		InputPrice:      1, OutputPrice: 5,
	},
	"gpt-5": {
		ID: "gpt-5", Provider: "openai", DisplayName: "GPT-5",
		ContextWindow: 400000, MaxOutput: 128000, Reasoning: true,
		InputModalities: []string{"text", "image"},
		InputPrice:      1.25, OutputPrice: 10,
	},
	"gpt-5-mini": {
		ID: "gpt-5-mini", Provider: "openai", DisplayName: "GPT-5 mini",
		ContextWindow: 400000, MaxOutput: 128000,
		InputModalities: []string{"text", "image"},
		InputPrice:      0.25, OutputPrice: 2,
	},
	"gpt-4.1": {
		ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, MaxOutput: 32768,
		InputModalities: []string{"text", "image"},
		InputPrice:      2, OutputPrice: 8,
	},
	"gemini-2.5-pro": {
		ID: "gemini-2.5-pro", Provider: "gemini", DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1048576, MaxOutput: 65536, Reasoning: true,
		InputModalities: []string{"text", "image", "pdf", "audio", "video"},
		InputPrice:      1.25, OutputPrice: 10,
	},
	"gemini-2.5-flash": {
		ID: "gemini-2.5-flash", Provider: "gemini", DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: 65536,
		InputModalities: []string{"text", "image", "pdf", "audio", "video"},
		InputPrice:      0.3, OutputPrice: 2.5,
	},
	"grok-3-mini": {
		ID: "grok-3-mini", Provider: "openai", DisplayName: "Grok 3 mini",
		ContextWindow: 131072, MaxOutput: 16384, Reasoning: true,
		InputModalities: []string{"text"},
		InputPrice:      0.3, OutputPrice: 0.5,
	},
}

// DefaultModel is used when a request names no model.
const DefaultModel = "claude-haiku-4-5"

// LookupModel returns the catalog entry for id.
func LookupModel(id string) (ModelSpec, bool) {
	m, ok := Models[id]
	return m, ok
}

// CostCredits converts usage into credits for the given model, rounding
// up so partial tokens are never free.
func CostCredits(model ModelSpec, usage Usage) int64 {
	in := float64(usage.InputTokens) * model.InputPrice / 1e6
	out := float64(usage.OutputTokens) * model.OutputPrice / 1e6
	total := in + out
	credits := int64(total)
	if total > float64(credits) {
		credits++
	}
	return credits
}
