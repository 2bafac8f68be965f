package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/tenant"
)

// Adapter delivers outbound records through one provider. Implementations
// are registered statically at startup.
type Adapter interface {
	Name() domain.ChannelType
	HealthCheck(ctx context.Context) error
	Send(ctx context.Context, channel tenant.Channel, record domain.OutboundRecord) error
}

// Registry maps channel types to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.ChannelType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.ChannelType]Adapter{}}
}

// Register adds an adapter; duplicates are a programming error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// MustRegister panics on duplicate registration; startup wiring only.
func (r *Registry) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get resolves the adapter for a channel type.
func (r *Registry) Get(channelType domain.ChannelType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelType]
	if !ok {
		return nil, faults.NotFoundf("adapter.missing", "no adapter for channel type %q", channelType)
	}
	return a, nil
}
