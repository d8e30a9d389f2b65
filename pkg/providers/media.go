package providers

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/castwork/castwork/pkg/engine"
)

// Step config keys read by media adapters.
const (
	ConfigKeyVoice  = "voice"
	ConfigKeySize   = "size"
	ConfigKeyFormat = "format"
)

// mediaRoute describes how one step type maps onto the gateway API.
type mediaRoute struct {
	path  string
	build func(p *engine.Params, model string) map[string]interface{}
	parse func(body gjson.Result, p *engine.Params) (map[string]interface{}, engine.Usage, error)
}

var mediaRoutes = map[engine.StepType]mediaRoute{
	engine.StepTypeSTT: {
		path: "/audio/transcriptions",
		build: func(p *engine.Params, model string) map[string]interface{} {
			req := map[string]interface{}{"model": model, "file_url": p.Input}
			if p.Language != "" {
				req["language"] = p.Language
			}
			return req
		},
		parse: func(body gjson.Result, p *engine.Params) (map[string]interface{}, engine.Usage, error) {
			text := body.Get("text")
			if !text.Exists() {
				return nil, engine.Usage{}, fmt.Errorf("transcription response has no text")
			}
			payload := map[string]interface{}{"text": text.String()}
			if lang := body.Get("language"); lang.Exists() {
				payload["language"] = lang.String()
			}
			usage := engine.Usage{Unit: engine.UsageUnitSeconds, Quantity: body.Get("duration").Float()}
			return payload, usage, nil
		},
	},
	engine.StepTypeTTS: {
		path: "/audio/speech",
		build: func(p *engine.Params, model string) map[string]interface{} {
			return map[string]interface{}{
				"model":           model,
				"input":           p.Input,
				"voice":           configOr(p.Config, ConfigKeyVoice, "alloy"),
				"response_format": configOr(p.Config, ConfigKeyFormat, "mp3"),
			}
		},
		parse: func(body gjson.Result, p *engine.Params) (map[string]interface{}, engine.Usage, error) {
			payload, err := mediaPayload(body, "audio/mpeg")
			usage := engine.Usage{Unit: engine.UsageUnitChars, Quantity: float64(utf8.RuneCountInString(p.Input))}
			return payload, usage, err
		},
	},
	engine.StepTypeImage: {
		path: "/images/generations",
		build: func(p *engine.Params, model string) map[string]interface{} {
			return map[string]interface{}{
				"model":  model,
				"prompt": p.Input,
				"size":   configOr(p.Config, ConfigKeySize, "1024x1024"),
				"n":      1,
			}
		},
		parse: func(body gjson.Result, p *engine.Params) (map[string]interface{}, engine.Usage, error) {
			url := body.Get("data.0.url")
			if url.String() == "" {
				return nil, engine.Usage{}, fmt.Errorf("image response has no data[0].url")
			}
			payload := map[string]interface{}{"url": url.String(), "content_type": "image/png"}
			if revised := body.Get("data.0.revised_prompt"); revised.Exists() {
				payload["revised_prompt"] = revised.String()
			}
			return payload, engine.Usage{Unit: engine.UsageUnitImages, Quantity: float64(len(body.Get("data").Array()))}, nil
		},
	},
	engine.StepTypeVideo: {
		path: "/videos/generations",
		build: func(p *engine.Params, model string) map[string]interface{} {
			return map[string]interface{}{"model": model, "prompt": p.Input}
		},
		parse: func(body gjson.Result, p *engine.Params) (map[string]interface{}, engine.Usage, error) {
			payload, err := mediaPayload(body, "video/mp4")
			return payload, engine.Usage{Unit: engine.UsageUnitSeconds, Quantity: body.Get("duration").Float()}, err
		},
	},
	engine.StepTypeSFX: {
		path: "/audio/sound-effects",
		build: func(p *engine.Params, model string) map[string]interface{} {
			return map[string]interface{}{"model": model, "text": p.Input}
		},
		parse: func(body gjson.Result, p *engine.Params) (map[string]interface{}, engine.Usage, error) {
			payload, err := mediaPayload(body, "audio/mpeg")
			return payload, engine.Usage{Unit: engine.UsageUnitSeconds, Quantity: body.Get("duration").Float()}, err
		},
	},
}

// MediaAdapter serves stt, tts, image, video and sfx steps through an
// OpenAI-compatible gateway that returns hosted URLs for generated media.
type MediaAdapter struct {
	stepType engine.StepType
	route    mediaRoute
	client   *Client
	model    string
}

// NewMediaAdapter creates a media adapter for stepType.
func NewMediaAdapter(stepType engine.StepType, client *Client, model string) (*MediaAdapter, error) {
	route, ok := mediaRoutes[stepType]
	if !ok {
		return nil, fmt.Errorf("no media route for step type %s", stepType)
	}
	if client == nil || client.baseURL == "" {
		return nil, fmt.Errorf("base url is required for %s adapter", stepType)
	}
	return &MediaAdapter{stepType: stepType, route: route, client: client, model: model}, nil
}

// DefaultTimeout implements engine.TimeoutDefaulter.
func (a *MediaAdapter) DefaultTimeout() time.Duration {
	return a.client.timeout
}

// Invoke posts the step to the gateway and normalizes the response.
func (a *MediaAdapter) Invoke(ctx context.Context, params *engine.Params, timeout time.Duration) (*engine.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if strings.TrimSpace(params.Input) == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("%s step has empty input", a.stepType), nil).
			WithCode(engine.ErrCodeProviderFailed)
	}

	model := params.Config.String(ConfigKeyModel)
	if model == "" {
		model = a.model
	}

	start := time.Now()
	raw, err := a.client.PostJSON(ctx, a.route.path, a.route.build(params, model), params.IdempotencyKey)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(raw) {
		return nil, engine.NewTransientError("provider returned invalid JSON", nil).WithCode(engine.ErrCodeProviderFailed)
	}
	body := gjson.ParseBytes(raw)

	payload, usage, err := a.route.parse(body, params)
	if err != nil {
		return nil, engine.NewTransientError(err.Error(), err).WithCode(engine.ErrCodeProviderFailed)
	}

	return &engine.Output{
		Payload:    payload,
		Raw:        raw,
		Usage:      usage,
		Latency:    latency,
		ResponseID: body.Get("id").String(),
	}, nil
}

// mediaPayload reads url and content_type, defaulting the content type.
func mediaPayload(body gjson.Result, contentType string) (map[string]interface{}, error) {
	url := body.Get("url").String()
	if url == "" {
		return nil, fmt.Errorf("media response has no url")
	}
	if ct := body.Get("content_type").String(); ct != "" {
		contentType = ct
	}
	payload := map[string]interface{}{"url": url, "content_type": contentType}
	if d := body.Get("duration"); d.Exists() {
		payload["duration"] = d.Float()
	}
	return payload, nil
}

func configOr(cfg engine.StepConfig, key, fallback string) string {
	if v := cfg.String(key); v != "" {
		return v
	}
	return fallback
}
