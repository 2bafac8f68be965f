package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/conversehq/converse/internal/faults"
)

// DefaultTimeout bounds a single connector invocation.
const DefaultTimeout = 10 * time.Second

// Request is one action execution. Payload is the rule's action payload;
// DryRun suppresses side effects and returns what would have happened.
type Request struct {
	TenantID string
	BrandID  string
	RuleID   string
	Payload  json.RawMessage
	Vars     map[string]string
	DryRun   bool
}

// Response summarizes the executed action.
type Response struct {
	Status string         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Connector executes one action type. Implementations are registered
// statically at startup.
type Connector interface {
	Name() string
	HealthCheck(ctx context.Context) error
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Registry holds the configured connectors keyed by action type.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: map[string]Connector{}}
}

// Register adds a connector; duplicate names are a programming error.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[c.Name()]; exists {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	r.connectors[c.Name()] = c
	return nil
}

// MustRegister panics on duplicate registration; startup wiring only.
func (r *Registry) MustRegister(c Connector) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Get resolves a connector by action type.
func (r *Registry) Get(actionType string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[actionType]
	if !ok {
		return nil, faults.NotFoundf("connector.missing", "no connector for action type %q", actionType)
	}
	return c, nil
}
