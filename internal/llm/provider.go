// Package llm wraps the external reasoning backends used for deep duplicate comparison.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DefaultMaxTokens   = 800
	DefaultTemperature = 0.1
)

var (
	ErrEmptyResponse   = errors.New("llm returned an empty response")
	ErrUnknownProvider = errors.New("unknown llm provider")
)

type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type CompletionResponse struct {
	Text         string
	Model        string
	Latency      time.Duration
	InputTokens  int64
	OutputTokens int64
}

// Provider completes a single prompt.
type Provider interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

func normalizeRequest(req CompletionRequest, defaultModel string) CompletionRequest {
	normalized := req
	if strings.TrimSpace(normalized.Model) == "" {
		normalized.Model = defaultModel
	}
	if normalized.MaxTokens <= 0 {
		normalized.MaxTokens = DefaultMaxTokens
	}
	if normalized.Temperature <= 0 {
		normalized.Temperature = DefaultTemperature
	}
	return normalized
}

// Registry holds the configured providers and the default one.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds provider. The first registered provider becomes the default.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := provider.Name()
	r.providers[name] = provider
	if r.fallback == "" {
		r.fallback = name
	}
}

func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	r.fallback = name
	return nil
}

// Provider returns the named provider, or the default when name is empty.
func (r *Registry) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return provider, nil
}

func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Options struct {
	DefaultProvider string
	DefaultModel    string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	Timeout         time.Duration
}

// NewRegistryFromOptions registers every provider that has credentials. An empty registry is
// returned without error when none do.
func NewRegistryFromOptions(opts Options) (*Registry, error) {
	registry := NewRegistry()
	if strings.TrimSpace(opts.OpenAIAPIKey) != "" || strings.TrimSpace(opts.OpenAIBaseURL) != "" {
		model := ""
		if opts.DefaultProvider == ProviderOpenAI {
			model = opts.DefaultModel
		}
		registry.Register(NewOpenAIProvider(opts.OpenAIAPIKey, opts.OpenAIBaseURL, model, opts.Timeout))
	}
	if strings.TrimSpace(opts.AnthropicAPIKey) != "" {
		model := ""
		if opts.DefaultProvider == ProviderAnthropic {
			model = opts.DefaultModel
		}
		registry.Register(NewAnthropicProvider(opts.AnthropicAPIKey, "", model, opts.Timeout))
	}

	if opts.DefaultProvider != "" && len(registry.ProviderNames()) > 0 {
		if err := registry.SetDefault(opts.DefaultProvider); err != nil {
			return nil, fmt.Errorf("select default llm provider: %w", err)
		}
	}
	return registry, nil
}
