package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/castwork/castwork/pkg/engine"
)

// Step config keys honoured by the scripted adapter.
const (
	// ConfigKeyScriptedText replaces the generated text.
	ConfigKeyScriptedText = "scripted_text"

	// ConfigKeyScriptedError makes the call fail with the given message.
	ConfigKeyScriptedError = "scripted_error"

	// ConfigKeyScriptedDelay delays the call by a Go duration.
	ConfigKeyScriptedDelay = "scripted_delay"
)

// Scripted produces deterministic output without calling a provider. Text steps echo
// their prompt or input; media steps return a scripted:// URL derived from the input.
type Scripted struct {
	stepType engine.StepType
}

// NewScripted creates a scripted adapter for stepType.
func NewScripted(stepType engine.StepType) *Scripted {
	return &Scripted{stepType: stepType}
}

// Invoke implements engine.ProviderAdapter.
func (s *Scripted) Invoke(ctx context.Context, params *engine.Params, timeout time.Duration) (*engine.Output, error) {
	if d, err := time.ParseDuration(params.Config.String(ConfigKeyScriptedDelay)); err == nil && d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, MapNetworkError(ctx.Err())
		}
	}

	if msg := params.Config.String(ConfigKeyScriptedError); msg != "" {
		return nil, engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeProviderFailed)
	}

	sum := sha256.Sum256([]byte(params.Input))
	id := "scripted-" + hex.EncodeToString(sum[:6])

	switch s.stepType {
	case engine.StepTypeLLM:
		text := params.Config.String(ConfigKeyScriptedText)
		if text == "" {
			text = params.Prompt
		}
		if text == "" {
			text = params.Input
		}
		return &engine.Output{
			Payload:    map[string]interface{}{"text": text, "finish_reason": "stop"},
			Usage:      engine.Usage{Unit: engine.UsageUnitTokens, Quantity: float64(len(strings.Fields(text)))},
			ResponseID: id,
		}, nil
	case engine.StepTypeSTT:
		text := params.Config.String(ConfigKeyScriptedText)
		if text == "" {
			text = "transcript of " + params.Input
		}
		return &engine.Output{
			Payload:    map[string]interface{}{"text": text, "language": params.Language},
			Usage:      engine.Usage{Unit: engine.UsageUnitSeconds, Quantity: 1},
			ResponseID: id,
		}, nil
	default:
		contentType, unit := scriptedMedia(s.stepType)
		quantity := 1.0
		if unit == engine.UsageUnitChars {
			quantity = float64(utf8.RuneCountInString(params.Input))
		}
		return &engine.Output{
			Payload: map[string]interface{}{
				"url":          "scripted://" + string(s.stepType) + "/" + hex.EncodeToString(sum[:8]),
				"content_type": contentType,
			},
			Usage:      engine.Usage{Unit: unit, Quantity: quantity},
			ResponseID: id,
		}, nil
	}
}

func scriptedMedia(t engine.StepType) (string, engine.UsageUnit) {
	switch t {
	case engine.StepTypeTTS:
		return "audio/mpeg", engine.UsageUnitChars
	case engine.StepTypeImage:
		return "image/png", engine.UsageUnitImages
	case engine.StepTypeVideo:
		return "video/mp4", engine.UsageUnitSeconds
	case engine.StepTypeSFX:
		return "audio/mpeg", engine.UsageUnitSeconds
	default:
		return "application/octet-stream", engine.UsageUnitBytes
	}
}
