package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// templateRef matches {{ reference }} placeholders in step templates.
var templateRef = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// inputFallbackFields are tried against the original input, in order, after the
// reference's own path, when a fallback lands on the input. Speech-to-text consumers
// prefer the media URL.
var (
	inputFallbackFields    = []string{"text", "audio_url"}
	sttInputFallbackFields = []string{"audio_url", "text"}
)

// SkipFallback is the rule applied when a template references a skipped step.
type SkipFallback string

const (
	// FallbackInput resolves the reference against the original execution input.
	FallbackInput SkipFallback = "input"

	// FallbackNearest walks back to the nearest earlier done step whose output has the
	// referenced path, and falls back to the original input when none has it.
	FallbackNearest SkipFallback = "nearest"
)

// FallbackFor returns the skip fallback rule for steps of type t. Speech-to-text
// consumes the uploaded media, which only the original input carries; every other
// type consumes text or media produced upstream.
func FallbackFor(t StepType) SkipFallback {
	if t == StepTypeSTT {
		return FallbackInput
	}
	return FallbackNearest
}

// DefaultInputTemplate is used when a step configures no input template.
func DefaultInputTemplate(step Step) string {
	switch {
	case step.Type == StepTypeSTT:
		return "{{input.audio_url}}"
	case step.StepIndex == 0:
		return "{{input.text}}"
	default:
		return "{{prev.output.text}}"
	}
}

// resolver renders step templates against the execution input and earlier results.
type resolver struct {
	input     map[string]interface{}
	inputJSON []byte

	// results holds earlier step results by step index.
	results []StepResult

	outputs [][]byte
}

func newResolver(input map[string]interface{}, prior []StepResult) *resolver {
	r := &resolver{
		input:     input,
		inputJSON: canonicalJSON(input),
		results:   prior,
		outputs:   make([][]byte, len(prior)),
	}
	for i := range prior {
		if prior[i].OutputFull != nil {
			r.outputs[i] = canonicalJSON(prior[i].OutputFull)
		}
	}
	return r
}

// resolveInput renders the step's input template, or its default.
func (r *resolver) resolveInput(step Step) (string, error) {
	tmpl := step.Config.String(ConfigKeyInput)
	if tmpl == "" {
		tmpl = DefaultInputTemplate(step)
	}
	return r.render(tmpl, step)
}

// render substitutes every reference in tmpl. The first unresolvable reference fails
// the whole template.
func (r *resolver) render(tmpl string, step Step) (string, error) {
	var firstErr error
	out := templateRef.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return ""
		}
		ref := templateRef.FindStringSubmatch(match)[1]
		value, err := r.lookup(ref, step)
		if err != nil {
			firstErr = err
			return ""
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// lookup resolves one reference: input.<path>, steps.<n>.output[.<path>] or
// prev.output[.<path>].
func (r *resolver) lookup(ref string, step Step) (string, error) {
	head, rest, _ := strings.Cut(ref, ".")
	switch head {
	case "input":
		if rest == "" {
			return string(r.inputJSON), nil
		}
		if res := gjson.GetBytes(r.inputJSON, rest); res.Exists() {
			return resultString(res), nil
		}
		return "", fmt.Errorf("%s is not present in the execution input", ref)

	case "steps":
		idxStr, outPath, _ := strings.Cut(rest, ".")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return "", fmt.Errorf("invalid step reference %q", ref)
		}
		if idx < 0 || idx >= step.StepIndex {
			return "", fmt.Errorf("%s does not refer to an earlier step", ref)
		}
		path, err := outputPath(outPath, ref)
		if err != nil {
			return "", err
		}
		return r.lookupStep(idx, path, ref, step.Type)

	case "prev":
		path, err := outputPath(rest, ref)
		if err != nil {
			return "", err
		}
		prev := step.StepIndex - 1
		if prev >= 0 && prev < len(r.results) && r.results[prev].Status == StepStatusSkipped &&
			FallbackFor(step.Type) == FallbackInput {
			return r.lookupInputFallback(path, ref, step.Type)
		}
		return r.lookupNearest(prev, path, ref, step.Type)

	default:
		return "", fmt.Errorf("unknown template reference %q", ref)
	}
}

// outputPath strips the leading "output" segment and returns the gjson path within
// the step output. An empty path selects the whole output.
func outputPath(rest, ref string) (string, error) {
	seg, path, _ := strings.Cut(rest, ".")
	if seg != "output" {
		return "", fmt.Errorf("invalid step reference %q: expected .output", ref)
	}
	if path == "" {
		return "@this", nil
	}
	return path, nil
}

func (r *resolver) lookupStep(idx int, path, ref string, consumer StepType) (string, error) {
	if idx >= len(r.results) {
		return "", fmt.Errorf("%s refers to a step that has not run", ref)
	}

	switch r.results[idx].Status {
	case StepStatusDone:
		if res := gjson.GetBytes(r.outputs[idx], path); res.Exists() {
			return resultString(res), nil
		}
		return "", fmt.Errorf("%s is not present in the output of step %d", ref, idx)

	case StepStatusSkipped:
		if FallbackFor(consumer) == FallbackInput {
			return r.lookupInputFallback(path, ref, consumer)
		}
		return r.lookupNearest(idx-1, path, ref, consumer)

	default:
		return "", fmt.Errorf("%s refers to step %d with status %s", ref, idx, r.results[idx].Status)
	}
}

// lookupNearest walks back from index from to the first done step whose output has
// path, then falls back to the input.
func (r *resolver) lookupNearest(from int, path, ref string, consumer StepType) (string, error) {
	if from >= len(r.results) {
		from = len(r.results) - 1
	}
	for i := from; i >= 0; i-- {
		if r.results[i].Status != StepStatusDone {
			continue
		}
		if res := gjson.GetBytes(r.outputs[i], path); res.Exists() {
			return resultString(res), nil
		}
	}
	return r.lookupInputFallback(path, ref, consumer)
}

func (r *resolver) lookupInputFallback(path, ref string, consumer StepType) (string, error) {
	if path != "@this" {
		if res := gjson.GetBytes(r.inputJSON, path); res.Exists() {
			return resultString(res), nil
		}
	}
	fields := inputFallbackFields
	if consumer == StepTypeSTT {
		fields = sttInputFallbackFields
	}
	for _, field := range fields {
		if res := gjson.GetBytes(r.inputJSON, field); res.Exists() {
			return resultString(res), nil
		}
	}
	return "", fmt.Errorf("%s is not available: no upstream output or input provides it", ref)
}

// conditionEnv builds the data visible to a skip condition.
func (r *resolver) conditionEnv(resolved string) ConditionEnv {
	env := ConditionEnv{
		Input:    r.input,
		Steps:    make([]ConditionStep, len(r.results)),
		Resolved: resolved,
	}
	for i, res := range r.results {
		env.Steps[i] = ConditionStep{
			Index:  res.StepIndex,
			Type:   res.StepType,
			Status: res.Status,
			Output: res.OutputFull,
		}
		if res.Status == StepStatusDone {
			env.Prev = res.OutputFull
		}
	}
	return env
}

// resultString renders a gjson result as template text: strings unquoted, everything
// else as raw JSON.
func resultString(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.String()
	}
	if res.Type == gjson.Null {
		return ""
	}
	return res.Raw
}

// TemplateRefs returns the references used by a template. Recipe validation uses it
// to reject references to later steps.
func TemplateRefs(tmpl string) []string {
	matches := templateRef.FindAllStringSubmatch(tmpl, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

// ValidateTemplates checks that every step template only references the input,
// prev, or earlier steps.
func ValidateTemplates(steps []Step) error {
	for _, step := range steps {
		for _, key := range []string{ConfigKeyInput, ConfigKeyPrompt} {
			for _, ref := range TemplateRefs(step.Config.String(key)) {
				head, rest, _ := strings.Cut(ref, ".")
				switch head {
				case "input", "prev":
				case "steps":
					idxStr, _, _ := strings.Cut(rest, ".")
					idx, err := strconv.Atoi(idxStr)
					if err != nil || idx < 0 || idx >= step.StepIndex {
						return fmt.Errorf("%s: %s reference %q must point to an earlier step", StepLabel(step), key, ref)
					}
				default:
					return fmt.Errorf("%s: unknown %s reference %q", StepLabel(step), key, ref)
				}
			}
		}
	}
	return nil
}
