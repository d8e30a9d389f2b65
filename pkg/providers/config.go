package providers

import (
	"fmt"
	"time"

	"github.com/castwork/castwork/pkg/engine"
)

// Adapter kinds.
const (
	KindOpenAI       = "openai"
	KindOpenAICompat = "openaicompat"
	KindScripted     = "scripted"
)

// Config configures the adapter for one step type.
type Config struct {
	// Kind selects the adapter implementation.
	Kind string `yaml:"kind" validate:"required,oneof=openai openaicompat scripted"`

	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// APIKeyFile is read into APIKey when APIKey is empty.
	APIKeyFile string `yaml:"api_key_file"`

	// Timeout is the adapter default used when a step sets none.
	Timeout time.Duration `yaml:"timeout"`

	// Rate limits calls per second. Zero disables throttling.
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`

	// CentsPerUnit prices reported usage, keyed by usage unit.
	CentsPerUnit map[engine.UsageUnit]float64 `yaml:"cents_per_unit"`
}

// Build creates a registry from per-type configuration and returns the price table
// collected from it. Step types without configuration are left unbound.
func Build(configs map[engine.StepType]Config) (*Registry, engine.PriceTable, error) {
	reg := NewRegistry()
	prices := make(engine.PriceTable)

	for stepType, cfg := range configs {
		adapter, err := newAdapter(stepType, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build %s adapter: %w", stepType, err)
		}
		if cfg.Rate > 0 {
			adapter = NewThrottled(adapter, cfg.Rate, cfg.Burst)
		}
		if err := reg.Register(stepType, adapter); err != nil {
			return nil, nil, err
		}
		if len(cfg.CentsPerUnit) > 0 {
			prices[stepType] = cfg.CentsPerUnit
		}
	}
	return reg, prices, nil
}

func newAdapter(stepType engine.StepType, cfg Config) (engine.ProviderAdapter, error) {
	switch cfg.Kind {
	case KindOpenAI:
		if stepType != engine.StepTypeLLM {
			return nil, fmt.Errorf("kind %s only serves llm steps", cfg.Kind)
		}
		return NewLLMAdapter(LLMConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case KindOpenAICompat:
		if stepType == engine.StepTypeLLM || stepType == engine.StepTypePublish {
			return nil, fmt.Errorf("kind %s does not serve %s steps", cfg.Kind, stepType)
		}
		return NewMediaAdapter(stepType, NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), cfg.Model)
	case KindScripted:
		return NewScripted(stepType), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", cfg.Kind)
	}
}
