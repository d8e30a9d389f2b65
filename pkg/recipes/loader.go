// Package recipes loads recipe presets from CUE and YAML files, validates them against
// the engine's rules and syncs them into the recipe store.
//
// A preset file declares a top-level "recipes" struct keyed by slug:
//
//	recipes: "podcast-summary": {
//		name:       "Podcast summary"
//		input_kind: "audio"
//		steps: [
//			{name: "transcribe", type: "stt"},
//			{name: "summarize", type: "llm", config: prompt: "Summarize: {{prev.text}}"},
//		]
//	}
package recipes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/castwork/castwork/pkg/engine"
)

// Preset is a recipe definition as written in a preset file.
type Preset struct {
	Slug              string       `json:"slug" validate:"required"`
	Name              string       `json:"name" validate:"required"`
	InputKind         string       `json:"input_kind" validate:"required,oneof=text audio"`
	Status            string       `json:"status" validate:"omitempty,oneof=active inactive"`
	AllowedInputModes []string     `json:"allowed_input_modes,omitempty" validate:"dive,oneof=upload url text"`
	DefaultLanguage   string       `json:"default_language,omitempty"`
	Steps             []PresetStep `json:"steps" validate:"required,min=1,dive"`

	// Source is the file the preset was read from.
	Source string `json:"-"`
}

// PresetStep is one step of a preset. Steps are indexed by position.
type PresetStep struct {
	Name   string                 `json:"name" validate:"required"`
	Type   string                 `json:"type" validate:"required"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// ToRecipe converts the preset to an engine recipe with contiguous step indices.
func (p *Preset) ToRecipe() *engine.Recipe {
	status := engine.RecipeStatus(p.Status)
	if status == "" {
		status = engine.RecipeStatusActive
	}
	recipe := &engine.Recipe{
		Name:              p.Name,
		Slug:              p.Slug,
		InputKind:         engine.InputKind(p.InputKind),
		AllowedInputModes: append([]string(nil), p.AllowedInputModes...),
		DefaultLanguage:   p.DefaultLanguage,
		Status:            status,
		Steps:             make([]engine.Step, len(p.Steps)),
	}
	for i, s := range p.Steps {
		recipe.Steps[i] = engine.Step{
			StepIndex: i,
			Name:      s.Name,
			Type:      engine.StepType(s.Type),
			Config:    engine.StepConfig(s.Config),
		}
	}
	return recipe
}

// LoadError locates a problem in a preset file.
type LoadError struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e LoadError) Error() string {
	var b strings.Builder
	b.WriteString(e.File)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
	}
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// LoadResult holds the presets read from a set of paths and the problems found.
type LoadResult struct {
	Presets []Preset
	Errors  []LoadError
	Files   []string
}

// Err returns the load errors joined, or nil.
func (r *LoadResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid presets:\n  %s", strings.Join(msgs, "\n  "))
}

// Loader reads preset files.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	recipe    cue.Value
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(presetSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("invalid preset schema: %v", err))
	}
	return &Loader{
		ctx:       ctx,
		schema:    schema,
		recipe:    schema.LookupPath(cue.ParsePath("#Recipe")),
		validator: validator.New(),
		logger:    logger.With().Str("component", "recipe-loader").Logger(),
	}
}

// LoadPaths reads every .cue, .yaml and .yml file under paths. Problems in one file do
// not stop the others from loading; a slug defined twice is an error.
func (l *Loader) LoadPaths(paths []string) (*LoadResult, error) {
	result := &LoadResult{}
	for _, p := range paths {
		files, err := presetFiles(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			l.loadFile(f, result)
			result.Files = append(result.Files, f)
		}
	}

	seen := make(map[string]string)
	unique := result.Presets[:0]
	for _, p := range result.Presets {
		if prev, dup := seen[p.Slug]; dup {
			result.Errors = append(result.Errors, LoadError{
				File:    p.Source,
				Path:    p.Slug,
				Message: fmt.Sprintf("slug already defined in %s", prev),
			})
			continue
		}
		seen[p.Slug] = p.Source
		unique = append(unique, p)
	}
	result.Presets = unique
	sort.Slice(result.Presets, func(i, j int) bool { return result.Presets[i].Slug < result.Presets[j].Slug })

	l.logger.Debug().
		Int("files", len(result.Files)).
		Int("presets", len(result.Presets)).
		Int("errors", len(result.Errors)).
		Msg("Recipe presets loaded")
	return result, nil
}

func presetFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat preset path %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPresetFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk preset directory %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

func isPresetFile(path string) bool {
	switch filepath.Ext(path) {
	case ".cue", ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFile(path string, result *LoadResult) {
	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, LoadError{File: path, Message: fmt.Sprintf("failed to read file: %v", err)})
		return
	}

	var val cue.Value
	switch filepath.Ext(path) {
	case ".cue":
		val = l.ctx.CompileBytes(data, cue.Filename(path), cue.Scope(l.schema))
	default:
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			result.Errors = append(result.Errors, LoadError{File: path, Message: fmt.Sprintf("invalid YAML: %v", err)})
			return
		}
		val = l.ctx.Encode(doc)
	}
	if err := val.Err(); err != nil {
		result.Errors = append(result.Errors, convertCUEErrors(path, err)...)
		return
	}

	presets, errs := l.extract(path, val)
	result.Presets = append(result.Presets, presets...)
	result.Errors = append(result.Errors, errs...)
}

// extract decodes each entry of the top-level recipes struct against #Recipe.
func (l *Loader) extract(path string, val cue.Value) ([]Preset, []LoadError) {
	recipesVal := val.LookupPath(cue.ParsePath("recipes"))
	if !recipesVal.Exists() {
		return nil, []LoadError{{File: path, Message: "no recipes defined"}}
	}

	iter, err := recipesVal.Fields()
	if err != nil {
		return nil, []LoadError{{File: path, Path: "recipes", Message: fmt.Sprintf("recipes must be a struct keyed by slug: %v", err)}}
	}

	var presets []Preset
	var errs []LoadError
	for iter.Next() {
		slug := iter.Selector().Unquoted()
		v := iter.Value()
		if !v.LookupPath(cue.ParsePath("slug")).Exists() {
			v = v.FillPath(cue.ParsePath("slug"), slug)
		}

		v = l.recipe.Unify(v)
		if err := v.Validate(cue.Concrete(true)); err != nil {
			errs = append(errs, convertCUEErrors(path, err)...)
			continue
		}

		var preset Preset
		if err := v.Decode(&preset); err != nil {
			errs = append(errs, LoadError{File: path, Path: slug, Message: fmt.Sprintf("failed to decode: %v", err)})
			continue
		}
		if preset.Slug != slug {
			errs = append(errs, LoadError{File: path, Path: slug, Message: fmt.Sprintf("slug %q does not match key", preset.Slug)})
			continue
		}
		if err := l.validator.Struct(preset); err != nil {
			errs = append(errs, LoadError{File: path, Path: slug, Message: err.Error()})
			continue
		}
		if err := normalizeConfigs(&preset); err != nil {
			errs = append(errs, LoadError{File: path, Path: slug, Message: err.Error()})
			continue
		}
		preset.Source = path
		presets = append(presets, preset)
	}
	return presets, errs
}

// normalizeConfigs round-trips step configs through JSON so they compare equal to
// configs read back from the store.
func normalizeConfigs(p *Preset) error {
	for i := range p.Steps {
		if p.Steps[i].Config == nil {
			continue
		}
		data, err := json.Marshal(p.Steps[i].Config)
		if err != nil {
			return fmt.Errorf("step %d config: %w", i, err)
		}
		var cfg map[string]interface{}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("step %d config: %w", i, err)
		}
		p.Steps[i].Config = cfg
	}
	return nil
}

func convertCUEErrors(file string, err error) []LoadError {
	var out []LoadError
	for _, e := range cueerrors.Errors(err) {
		le := LoadError{File: file, Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			le.Line = pos[0].Line()
			le.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			le.Path = strings.Join(p, ".")
		}
		out = append(out, le)
	}
	return out
}
