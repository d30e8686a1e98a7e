// Package discovery turns registry contents into endpoints that clients and
// subscribers can follow.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"ctrl-rpc/loadbalance"
	"ctrl-rpc/registry"
	"ctrl-rpc/transport"

	"go.uber.org/zap"
)

type resolved struct {
	instance registry.ServiceInstance
	command  transport.Endpoint
	feed     transport.Endpoint
}

// Resolver keeps one controller of a service selected. The selection is
// sticky: it only changes when the selected controller leaves the registry.
type Resolver struct {
	reg      registry.Registry
	service  string
	balancer loadbalance.Balancer
	logger   *zap.Logger

	current atomic.Pointer[resolved]
	changes atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewResolver(reg registry.Registry, service string, balancer loadbalance.Balancer, logger *zap.Logger) *Resolver {
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		reg:      reg,
		service:  service,
		balancer: balancer,
		logger: logger.With(zap.String("component", "resolver"),
			zap.String("service", service), zap.String("balancer", balancer.Name())),
	}
}

// Start selects an initial controller and follows registry changes until
// Stop. An empty service is not an error; Endpoint reports false until a
// controller shows up.
func (r *Resolver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("resolver already started")
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	updates := r.reg.Watch(watchCtx, r.service)

	instances, err := r.reg.Discover(ctx, r.service)
	if err != nil {
		cancel()
		return fmt.Errorf("discover %s: %w", r.service, err)
	}
	r.update(instances)

	r.cancel = cancel
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		for instances := range updates {
			r.update(instances)
		}
	}(r.done)
	return nil
}

// Stop ends the watch. The last selection stays in place.
func (r *Resolver) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Endpoint is the selected controller's command endpoint.
func (r *Resolver) Endpoint() (transport.Endpoint, bool) {
	cur := r.current.Load()
	if cur == nil {
		return transport.Endpoint{}, false
	}
	return cur.command, true
}

// FeedSource follows the selected controller's feed endpoint.
func (r *Resolver) FeedSource() transport.EndpointSource {
	return transport.EndpointFunc(func() (transport.Endpoint, bool) {
		cur := r.current.Load()
		if cur == nil || cur.feed.IsZero() {
			return transport.Endpoint{}, false
		}
		return cur.feed, true
	})
}

// Instance returns the selected controller.
func (r *Resolver) Instance() (registry.ServiceInstance, bool) {
	cur := r.current.Load()
	if cur == nil {
		return registry.ServiceInstance{}, false
	}
	return cur.instance, true
}

// Changes counts selection changes, the initial one included.
func (r *Resolver) Changes() uint64 { return r.changes.Load() }

func (r *Resolver) update(instances []registry.ServiceInstance) {
	valid := make([]registry.ServiceInstance, 0, len(instances))
	parsed := make(map[string]resolved, len(instances))
	for _, inst := range instances {
		res, err := resolve(inst)
		if err != nil {
			r.logger.Warn("ignoring instance", zap.String("addr", inst.Addr), zap.Error(err))
			continue
		}
		valid = append(valid, inst)
		parsed[inst.Addr] = res
	}

	if cur := r.current.Load(); cur != nil {
		if res, ok := parsed[cur.instance.Addr]; ok {
			r.current.Store(&res)
			return
		}
	}

	if len(valid) == 0 {
		if r.current.Swap(nil) != nil {
			r.changes.Add(1)
			r.logger.Warn("no controller left")
		}
		return
	}
	picked, err := r.balancer.Pick(valid)
	if err != nil {
		r.logger.Error("pick controller", zap.Error(err))
		return
	}
	res := parsed[picked.Addr]
	r.current.Store(&res)
	r.changes.Add(1)
	r.logger.Info("controller selected", zap.Stringer("command", res.command), zap.Stringer("feed", res.feed))
}

func resolve(inst registry.ServiceInstance) (resolved, error) {
	cmd, err := transport.ParseEndpoint(inst.Addr)
	if err != nil {
		return resolved{}, err
	}
	res := resolved{instance: inst, command: cmd}
	if inst.FeedAddr != "" {
		if res.feed, err = transport.ParseEndpoint(inst.FeedAddr); err != nil {
			return resolved{}, err
		}
	}
	return res, nil
}
