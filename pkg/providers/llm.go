package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/castwork/castwork/pkg/engine"
)

// Step config keys read by the LLM adapter.
const (
	ConfigKeyModel       = "model"
	ConfigKeySystem      = "system"
	ConfigKeyMaxTokens   = "max_tokens"
	ConfigKeyTemperature = "temperature"
)

// DefaultLLMModel is used when neither the step nor the adapter names a model.
const DefaultLLMModel = "gpt-4o-mini"

// LLMConfig configures an OpenAI chat adapter.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMAdapter serves llm steps through a langchaingo model.
type LLMAdapter struct {
	model        llms.Model
	defaultModel string
	timeout      time.Duration
}

// NewLLMAdapter creates an adapter backed by the langchaingo OpenAI client.
func NewLLMAdapter(cfg LLMConfig) (*LLMAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultLLMModel
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}

	return NewLLMAdapterWithModel(client, cfg.Model, cfg.Timeout), nil
}

// NewLLMAdapterWithModel wraps an existing langchaingo model.
func NewLLMAdapterWithModel(model llms.Model, defaultModel string, timeout time.Duration) *LLMAdapter {
	return &LLMAdapter{model: model, defaultModel: defaultModel, timeout: timeout}
}

// DefaultTimeout implements engine.TimeoutDefaulter.
func (a *LLMAdapter) DefaultTimeout() time.Duration {
	return a.timeout
}

// Invoke sends the resolved prompt as a single user message. When the step has a
// prompt template the resolved input is already part of it; otherwise the input is
// the message.
func (a *LLMAdapter) Invoke(ctx context.Context, params *engine.Params, timeout time.Duration) (*engine.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := params.Prompt
	if prompt == "" {
		prompt = params.Input
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, engine.NewPermanentError("llm step has an empty prompt", nil).WithCode(engine.ErrCodeProviderFailed)
	}

	var messages []llms.MessageContent
	if system := params.Config.String(ConfigKeySystem); system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	if params.Language != "" && params.Config.String(ConfigKeySystem) == "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem,
			"Respond in the language with code "+params.Language+"."))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	model := params.Config.String(ConfigKeyModel)
	if model == "" {
		model = a.defaultModel
	}
	opts := []llms.CallOption{llms.WithModel(model)}
	if n, ok := intConfig(params.Config, ConfigKeyMaxTokens); ok {
		opts = append(opts, llms.WithMaxTokens(n))
	}
	if f, ok := floatConfig(params.Config, ConfigKeyTemperature); ok {
		opts = append(opts, llms.WithTemperature(f))
	}

	start := time.Now()
	resp, err := a.model.GenerateContent(ctx, messages, opts...)
	latency := time.Since(start)
	if err != nil {
		return nil, classifyClientError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, engine.NewTransientError("empty response from llm provider", nil).WithCode(engine.ErrCodeProviderFailed)
	}

	choice := resp.Choices[0]
	payload := map[string]interface{}{
		"text":          choice.Content,
		"finish_reason": choice.StopReason,
		"model":         model,
	}

	var usage engine.Usage
	if total, ok := numberInfo(choice.GenerationInfo, "TotalTokens"); ok {
		usage = engine.Usage{Unit: engine.UsageUnitTokens, Quantity: total}
		payload["usage"] = map[string]interface{}{"total_tokens": total}
	}

	responseID, _ := choice.GenerationInfo["ID"].(string)

	return &engine.Output{
		Payload:    payload,
		Usage:      usage,
		Latency:    latency,
		ResponseID: responseID,
	}, nil
}

func numberInfo(info map[string]any, key string) (float64, bool) {
	switch v := info[key].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func intConfig(cfg engine.StepConfig, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func floatConfig(cfg engine.StepConfig, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
