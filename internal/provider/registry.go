package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/calsync/backend/internal/storage/models"
)

// Registry maps provider kinds to gateways.
type Registry struct {
	mu       sync.RWMutex
	gateways map[models.Provider]Gateway
}

// NewRegistry creates a registry holding the given gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.Provider]Gateway)}
	for _, gw := range gateways {
		r.Register(gw)
	}
	return r
}

// Register adds or replaces the gateway for its kind.
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Kind()] = gw
}

// Get returns the gateway for a kind.
func (r *Registry) Get(kind models.Provider) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gw, ok := r.gateways[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	return gw, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]models.Provider, 0, len(r.gateways))
	for k := range r.gateways {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
