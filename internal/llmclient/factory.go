// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"github.com/xkilldash9x/compliance-swarm/internal/config"
)

// NewClient builds the tier router from configuration. Both tiers must name
// models present in cfg.Models; a tier pair naming the same model shares one
// client.
func NewClient(cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	built := make(map[string]schemas.LLMClient, 2)

	get := func(name string) (schemas.LLMClient, error) {
		if c, ok := built[name]; ok {
			return c, nil
		}
		modelCfg, ok := cfg.Models[name]
		if !ok {
			return nil, fmt.Errorf("model %q is not defined under llm.models", name)
		}
		c, err := newProviderClient(modelCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize model %q: %w", name, err)
		}
		built[name] = c
		return c, nil
	}

	fast, err := get(cfg.DefaultFastModel)
	if err != nil {
		return nil, err
	}
	powerful, err := get(cfg.DefaultPowerfulModel)
	if err != nil {
		_ = fast.Close()
		return nil, err
	}
	return NewLLMRouter(logger, fast, powerful)
}

func newProviderClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}
