// Package loadbalance picks one controller among those registered for a
// service.
//
// Three strategies are implemented:
//   - RoundRobin:      equal controllers, spread clients evenly
//   - WeightedRandom:  controllers of different capacity
//   - ConsistentHash:  pin a session to the same controller
package loadbalance

import (
	"errors"
	"fmt"

	"ctrl-rpc/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for selection strategies. Pick must be
// goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name. key is only used by the consistent
// hash strategy.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
