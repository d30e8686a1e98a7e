package registry

import "context"

// ServiceInstance describes one controller. Addr is its command endpoint and
// FeedAddr, when set, the endpoint of its publish feed.
type ServiceInstance struct {
	Addr     string
	FeedAddr string            `json:",omitempty"`
	Weight   int               // Weight for load balancing
	Version  string            `json:",omitempty"`
	Meta     map[string]string `json:",omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends,
	// then closes the channel.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
