package instance

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// Instance is a configured backend endpoint. The set is fixed at startup.
type Instance struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Status is an instance with its last known health
type Status struct {
	Instance
	Healthy bool `json:"healthy"`
}

// FromConfig converts validated config entries
func FromConfig(cfgs []configtypes.InstanceConfig) []Instance {
	out := make([]Instance, len(cfgs))
	for i, c := range cfgs {
		out[i] = Instance{ID: c.ID, Address: c.Address}
	}
	return out
}

// Selector picks backend instances round-robin, skipping unhealthy ones.
// When every instance is unhealthy it fails open and rotates over all of them.
type Selector struct {
	mu        sync.Mutex
	instances []Instance
	unhealthy map[string]bool
	cursor    int
	logger    *zap.Logger
}

func NewSelector(instances []Instance, logger *zap.Logger) *Selector {
	return &Selector{
		instances: append([]Instance(nil), instances...),
		unhealthy: make(map[string]bool),
		logger:    logger,
	}
}

// Next returns the next instance in rotation
func (s *Selector) Next() (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.instances)
	if n == 0 {
		return Instance{}, ErrNoInstances
	}

	for i := 0; i < n; i++ {
		inst := s.instances[(s.cursor+i)%n]
		if !s.unhealthy[inst.ID] {
			s.cursor = (s.cursor + i + 1) % n
			return inst, nil
		}
	}

	inst := s.instances[s.cursor]
	s.cursor = (s.cursor + 1) % n
	s.logger.Warn("All backend instances unhealthy, selecting anyway",
		zap.String("instance", inst.ID))
	return inst, nil
}

// Pinned resolves a caller-supplied identifier, either an id or an address.
// Anything outside the configured set is rejected.
func (s *Selector) Pinned(identifier string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.instances) == 0 {
		return Instance{}, ErrNoInstances
	}

	normalized, err := configtypes.NormalizeInstanceAddress(identifier)
	for _, inst := range s.instances {
		if inst.ID == identifier || (err == nil && inst.Address == normalized) {
			return inst, nil
		}
	}

	return Instance{}, fmt.Errorf("%w: %q", ErrUnknownInstance, identifier)
}

// Lookup finds an instance by id
func (s *Selector) Lookup(id string) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instance{}, false
}

func (s *Selector) MarkHealthy(id string) {
	s.mu.Lock()
	wasUnhealthy := s.unhealthy[id]
	delete(s.unhealthy, id)
	s.mu.Unlock()

	if wasUnhealthy {
		s.logger.Info("Backend instance recovered", zap.String("instance", id))
	}
}

func (s *Selector) MarkUnhealthy(id string) {
	s.mu.Lock()
	wasHealthy := !s.unhealthy[id]
	s.unhealthy[id] = true
	s.mu.Unlock()

	if wasHealthy {
		s.logger.Warn("Backend instance marked unhealthy", zap.String("instance", id))
	}
}

// Instances returns the configured set with health flags
func (s *Selector) Instances() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, len(s.instances))
	for i, inst := range s.instances {
		out[i] = Status{Instance: inst, Healthy: !s.unhealthy[inst.ID]}
	}
	return out
}
