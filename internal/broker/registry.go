package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"tradegate/internal/domain"
)

// Constructor builds a Broker for one account. Constructors must not touch
// the network.
type Constructor func(cfg AccountConfig, deps Deps) (Broker, error)

// Registry maps brokerage tags to backend constructors. Tags are
// case-insensitive.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a Registry with every built-in backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("BSC", func(cfg AccountConfig, deps Deps) (Broker, error) {
		return NewBSCBroker(cfg, deps)
	})
	r.Register("CTS", func(cfg AccountConfig, deps Deps) (Broker, error) {
		return NewCTSBroker(cfg, deps)
	})
	r.Register("ALPACA", func(cfg AccountConfig, deps Deps) (Broker, error) {
		return NewAlpacaBroker(cfg, deps)
	})
	r.Register("PAPER", func(cfg AccountConfig, deps Deps) (Broker, error) {
		return NewSimulatorBroker(cfg, deps), nil
	})
	return r
}

// Register adds or replaces the constructor for a brokerage tag.
func (r *Registry) Register(brokerage string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToUpper(brokerage)] = c
}

// New builds the backend registered for brokerage. An unknown tag fails with
// domain.ErrUnsupportedBrokerage.
func (r *Registry) New(brokerage string, cfg AccountConfig, deps Deps) (Broker, error) {
	r.mu.RLock()
	c, ok := r.constructors[strings.ToUpper(brokerage)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("brokerage %q: %w", brokerage, domain.ErrUnsupportedBrokerage)
	}
	return c(cfg, deps)
}

// List returns the registered brokerage tags, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
