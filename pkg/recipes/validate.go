package recipes

import (
	"errors"
	"fmt"

	"github.com/castwork/castwork/pkg/condition"
	"github.com/castwork/castwork/pkg/engine"
)

// AdapterSet reports which step types have no provider adapter bound.
// providers.Registry implements it.
type AdapterSet interface {
	Missing(types []engine.StepType) []engine.StepType
}

// Validate checks a recipe before it is stored: contiguous indices and known step
// types, skip conditions that compile, templates that only look backwards, and an
// adapter for every step type when adapters is not nil. All problems are returned.
func Validate(recipe *engine.Recipe, adapters AdapterSet) error {
	var errs []error

	if err := recipe.Validate(); err != nil {
		// Index and type errors make the remaining checks meaningless.
		return err
	}

	types := make([]engine.StepType, 0, len(recipe.Steps))
	for _, step := range recipe.Steps {
		types = append(types, step.Type)

		raw, ok := step.Config[engine.ConfigKeySkipIf]
		if !ok {
			continue
		}
		expr, isString := raw.(string)
		if !isString {
			errs = append(errs, fmt.Errorf("%s: skip_if must be a string, got %T", engine.StepLabel(step), raw))
			continue
		}
		if err := condition.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", engine.StepLabel(step), err))
		}
	}

	if err := engine.ValidateTemplates(recipe.Steps); err != nil {
		errs = append(errs, err)
	}

	if adapters != nil {
		for _, t := range adapters.Missing(types) {
			errs = append(errs, fmt.Errorf("no provider configured for step type %q", t))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("recipe %s: %w", recipe.Slug, errors.Join(errs...))
}
