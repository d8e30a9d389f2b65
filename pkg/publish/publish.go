// Package publish implements the publish step: it writes a step's resolved input to
// durable storage and reports where the artifact can be fetched.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/castwork/castwork/pkg/engine"
)

// Step config keys read by the publisher.
const (
	// ConfigKeyKey overrides the object key. It may use {execution_id} and {step_index}.
	ConfigKeyKey = "key"

	// ConfigKeyContentType overrides the detected content type.
	ConfigKeyContentType = "content_type"
)

// DefaultKeyTemplate lays artifacts out per execution.
const DefaultKeyTemplate = "executions/{execution_id}/step-{step_index}"

// Object is one artifact to store.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
}

// Sink stores objects and returns a URL for each.
type Sink interface {
	Put(ctx context.Context, obj Object) (url string, err error)
	Name() string
}

// Publisher adapts a Sink to engine.ProviderAdapter for publish steps. Keys are derived
// from the execution and step, so a repeated call overwrites the same object.
type Publisher struct {
	sink   Sink
	prefix string
}

// NewPublisher creates a publisher that stores objects under prefix.
func NewPublisher(sink Sink, prefix string) *Publisher {
	return &Publisher{sink: sink, prefix: strings.Trim(prefix, "/")}
}

// Invoke stores the resolved input and returns {url, content_type, key, bytes}.
func (p *Publisher) Invoke(ctx context.Context, params *engine.Params, timeout time.Duration) (*engine.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if params.Input == "" {
		return nil, engine.NewPermanentError("nothing to publish", nil).WithCode(engine.ErrCodeProviderFailed)
	}

	contentType := params.Config.String(ConfigKeyContentType)
	if contentType == "" {
		contentType = DetectContentType(params.Input)
	}

	obj := Object{
		Key:         p.objectKey(params, contentType),
		Body:        []byte(params.Input),
		ContentType: contentType,
	}

	start := time.Now()
	url, err := p.sink.Put(ctx, obj)
	latency := time.Since(start)
	if err != nil {
		var engErr *engine.EngineError
		if errors.As(err, &engErr) {
			return nil, err
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, engine.NewTransientError(fmt.Sprintf("%s publish timed out", p.sink.Name()), err).
				WithCode(engine.ErrCodeTimeout)
		}
		return nil, engine.NewTransientError(fmt.Sprintf("%s publish failed: %v", p.sink.Name(), err), err).
			WithCode(engine.ErrCodeProviderFailed)
	}

	return &engine.Output{
		Payload: map[string]interface{}{
			"url":          url,
			"content_type": contentType,
			"key":          obj.Key,
			"bytes":        len(obj.Body),
		},
		Usage:      engine.Usage{Unit: engine.UsageUnitBytes, Quantity: float64(len(obj.Body))},
		Latency:    latency,
		ResponseID: obj.Key,
	}, nil
}

func (p *Publisher) objectKey(params *engine.Params, contentType string) string {
	tmpl := params.Config.String(ConfigKeyKey)
	custom := tmpl != ""
	if !custom {
		tmpl = DefaultKeyTemplate
	}
	key := strings.NewReplacer(
		"{execution_id}", params.ExecutionID,
		"{step_index}", fmt.Sprint(params.StepIndex),
	).Replace(tmpl)
	if !custom {
		key += extensionFor(contentType)
	}
	key = strings.TrimLeft(path.Clean("/"+key), "/")
	if p.prefix != "" {
		key = p.prefix + "/" + key
	}
	return key
}

// DetectContentType classifies a step input: JSON documents, URL lists and plain text.
func DetectContentType(input string) string {
	trimmed := strings.TrimSpace(input)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		return "application/json"
	}
	if isURIList(trimmed) {
		return "text/uri-list"
	}
	return "text/plain; charset=utf-8"
}

func isURIList(s string) bool {
	if s == "" {
		return false
	}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			return false
		}
	}
	return true
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		return ".json"
	case strings.HasPrefix(contentType, "text/uri-list"):
		return ".uris"
	default:
		return ".txt"
	}
}
