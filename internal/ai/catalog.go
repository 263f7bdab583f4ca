package ai

import (
	"context"

	"github.com/suPer8Hu/turn-gateway/internal/config"
)

// Client-facing model ids.
const (
	ChatModel          = "chat-model"
	ChatModelReasoning = "chat-model-reasoning"
	LocalModel         = "local-model"
	OpenAIModel        = "openai-model"
)

// NewCatalog registers every configured provider and the model ids clients
// may select. A caller's own key, when given, replaces the gateway key.
func NewCatalog(cfg config.Config) *Registry {
	reg := NewRegistry()

	reg.Register("openrouter", func(_ context.Context, opts Options) (Provider, error) {
		key := cfg.OpenRouterAPIKey
		if opts.APIKey != "" {
			key = opts.APIKey
		}
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, key, opts.Model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("ollama", func(_ context.Context, opts Options) (Provider, error) {
		return NewOllamaProvider(cfg.OllamaBaseURL, opts.Model), nil
	})
	reg.Register("openai", func(_ context.Context, opts Options) (Provider, error) {
		key := cfg.OpenAIAPIKey
		if opts.APIKey != "" {
			key = opts.APIKey
		}
		return NewOpenAIProvider(cfg.OpenAIBaseURL, key, opts.Model), nil
	})

	reg.AddModel(Model{ID: ChatModel, Provider: "openrouter", Upstream: cfg.OpenRouterModel})
	reg.AddModel(Model{ID: ChatModelReasoning, Provider: "openrouter", Upstream: cfg.OpenRouterReasoningModel, Reasoning: true})
	reg.AddModel(Model{ID: LocalModel, Provider: "ollama", Upstream: cfg.OllamaModel})
	if cfg.OpenAIAPIKey != "" {
		reg.AddModel(Model{ID: OpenAIModel, Provider: "openai", Upstream: cfg.OpenAIModel})
	}
	return reg
}

// TitleProvider is the gateway-funded provider used for chat titles.
func TitleProvider(ctx context.Context, reg *Registry) (Provider, error) {
	p, _, err := reg.Resolve(ctx, ChatModel, "")
	return p, err
}
