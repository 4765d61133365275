// Package registry holds the configuration-driven catalog of supported
// model identifiers. It is the source of truth for which per-model queues
// the credential pool maintains; unknown identifiers are rejected before
// they reach the scheduler.
package registry

import (
	"fmt"
	"sync"

	"github.com/Yoo1tic/pollux/types"
)

// Descriptor describes one supported model for catalog responses.
type Descriptor struct {
	Name string `json:"name"`
}

// Registry is a thread-safe model catalog preserving configured order.
type Registry struct {
	mu      sync.RWMutex
	ordered []Descriptor
	index   map[string]struct{}
}

// New builds a Registry from the configured model list, preserving order.
// Duplicate identifiers are rejected.
func New(models []string) (*Registry, error) {
	r := &Registry{
		ordered: make([]Descriptor, 0, len(models)),
		index:   make(map[string]struct{}, len(models)),
	}
	for _, m := range models {
		if _, dup := r.index[m]; dup {
			return nil, fmt.Errorf("duplicate model identifier %q", m)
		}
		r.index[m] = struct{}{}
		r.ordered = append(r.ordered, Descriptor{Name: m})
	}
	return r, nil
}

// Validate returns nil when modelID is supported, or an UNSUPPORTED_MODEL
// error otherwise.
func (r *Registry) Validate(modelID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.index[modelID]; !ok {
		return types.NewError(types.ErrUnsupportedModel,
			fmt.Sprintf("model %q is not supported", modelID)).WithHTTPStatus(404)
	}
	return nil
}

// List returns the supported models in configured order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns the supported model identifiers in configured order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.ordered))
	for i, d := range r.ordered {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of supported models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
