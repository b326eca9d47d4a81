package llm

import (
	"context"
	"fmt"
	"sync"
)

// ProviderConfig carries credentials for the supported backends.
type ProviderConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GeminiAPIKey    string
}

// ModelLister is implemented by providers that can enumerate the
// models their backend serves.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ProviderSet lazily constructs one provider per backend and routes
// models to them via the catalog. All providers are wrapped with
// retry behavior.
type ProviderSet struct {
	cfg ProviderConfig

	mu    sync.Mutex
	cache map[string]Provider
}

func NewProviderSet(cfg ProviderConfig) *ProviderSet {
	return &ProviderSet{cfg: cfg, cache: make(map[string]Provider)}
}

// ForModel returns the provider serving the given catalog model.
func (s *ProviderSet) ForModel(modelID string) (Provider, ModelSpec, error) {
	spec, ok := LookupModel(modelID)
	if !ok {
		return nil, ModelSpec{}, fmt.Errorf("unknown model %q", modelID)
	}
	p, err := s.byName(spec.Provider)
	if err != nil {
		return nil, ModelSpec{}, err
	}
	return p, spec, nil
}

func (s *ProviderSet) byName(name string) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[name]; ok {
		return p, nil
	}
	var inner Provider
	switch name {
	case "anthropic":
		if s.cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic: no API key configured")
		}
		inner = NewAnthropicProvider(s.cfg.AnthropicAPIKey)
	case "openai":
		if s.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai: no API key configured")
		}
		inner = NewOpenAIProvider(s.cfg.OpenAIAPIKey, s.cfg.OpenAIBaseURL)
	case "gemini":
		if s.cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini: no API key configured")
		}
		inner = NewGeminiProvider(s.cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	p := WithRetry(inner)
	s.cache[name] = p
	return p, nil
}
