package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/castwork/castwork/pkg/engine"
)

// Registry maps step types to the adapters that serve them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[engine.StepType]engine.ProviderAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[engine.StepType]engine.ProviderAdapter),
	}
}

// Register binds an adapter to a step type. A step type can be bound once.
func (r *Registry) Register(stepType engine.StepType, adapter engine.ProviderAdapter) error {
	if err := stepType.Validate(); err != nil {
		return err
	}
	if adapter == nil {
		return fmt.Errorf("adapter for step type %s is nil", stepType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[stepType]; exists {
		return fmt.Errorf("adapter for step type %s already registered", stepType)
	}
	r.adapters[stepType] = adapter
	return nil
}

// Get returns the adapter for a step type.
func (r *Registry) Get(stepType engine.StepType) (engine.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[stepType]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for step type %s", stepType)
	}
	return adapter, nil
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []engine.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]engine.StepType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Table returns a copy of the bindings for the engine. Later registrations do not
// affect a returned table.
func (r *Registry) Table() engine.AdapterTable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table := make(engine.AdapterTable, len(r.adapters))
	for t, a := range r.adapters {
		table[t] = a
	}
	return table
}

// Missing returns the step types in types that have no adapter.
func (r *Registry) Missing(types []engine.StepType) []engine.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []engine.StepType
	seen := make(map[engine.StepType]bool)
	for _, t := range types {
		if _, ok := r.adapters[t]; !ok && !seen[t] {
			missing = append(missing, t)
			seen[t] = true
		}
	}
	return missing
}
