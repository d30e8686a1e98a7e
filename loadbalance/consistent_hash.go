package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"ctrl-rpc/registry"
)

// ConsistentHashBalancer always maps its key (typically the slave request id)
// to the same controller while the instance set is unchanged, and moves only
// a fraction of keys when it changes.
//
// Each instance owns replicas virtual nodes on the ring so that a few
// controllers still split the key space evenly.
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu        sync.Mutex
	signature string
	ring      []uint32       // sorted hash values
	nodes     map[uint32]int // hash value -> index into the picked slice
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick returns the instance owning the balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return &instances[b.locate(instances, b.key)], nil
}

// PickKey is Pick for an arbitrary key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return &instances[b.locate(instances, key)], nil
}

func (b *ConsistentHashBalancer) locate(instances []registry.ServiceInstance, key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuildLocked(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	// First node clockwise from the key; wrap around past the last one.
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

// rebuildLocked refreshes the ring when the instance list differs from the
// last one seen.
func (b *ConsistentHashBalancer) rebuildLocked(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	signature := strings.Join(addrs, ",")
	if signature == b.signature && b.nodes != nil {
		return
	}

	b.signature = signature
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]int, len(instances)*b.replicas)
	for i, inst := range instances {
		for r := 0; r < b.replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, r)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = i
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
