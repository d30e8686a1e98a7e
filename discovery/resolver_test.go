package discovery

import (
	"context"
	"testing"
	"time"

	"ctrl-rpc/loadbalance"
	"ctrl-rpc/registry"
	"ctrl-rpc/server"
	"ctrl-rpc/subscriber"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResolverStickySelection(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	reg.Register(ctx, "planning", registry.ServiceInstance{Addr: "10.0.0.1:7000", FeedAddr: "10.0.0.1:7001"}, 10)

	res := NewResolver(reg, "planning", &loadbalance.RoundRobinBalancer{}, nil)
	if err := res.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer res.Stop()

	ep, ok := res.Endpoint()
	if !ok || ep.Host != "10.0.0.1" || ep.Port != 7000 {
		t.Fatalf("unexpected endpoint %v %v", ep, ok)
	}
	if feed, ok := res.FeedSource().Endpoint(); !ok || feed.Port != 7001 {
		t.Fatalf("unexpected feed endpoint %v %v", feed, ok)
	}

	reg.Register(ctx, "planning", registry.ServiceInstance{Addr: "10.0.0.2:7000"}, 10)
	reg.Register(ctx, "planning", registry.ServiceInstance{Addr: "bad address"}, 10)
	time.Sleep(50 * time.Millisecond)
	if inst, _ := res.Instance(); inst.Addr != "10.0.0.1:7000" {
		t.Fatalf("selection should stay sticky, got %s", inst.Addr)
	}

	reg.Deregister(ctx, "planning", "10.0.0.1:7000")
	eventually(t, "failover", func() bool {
		inst, ok := res.Instance()
		return ok && inst.Addr == "10.0.0.2:7000"
	})
	if _, ok := res.FeedSource().Endpoint(); ok {
		t.Fatal("instance without feed should report no feed endpoint")
	}

	reg.Deregister(ctx, "planning", "10.0.0.2:7000")
	eventually(t, "empty service", func() bool {
		_, ok := res.Endpoint()
		return !ok
	})
	if res.Changes() != 3 {
		t.Fatalf("expect 3 selection changes, got %d", res.Changes())
	}
}

// A subscriber following the resolver migrates to the new controller's feed.
func TestResolverDrivesSubscriber(t *testing.T) {
	ctx := context.Background()
	pubA, err := server.NewPublisher("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pubA.Close()
	pubB, err := server.NewPublisher("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pubB.Close()

	reg := registry.NewMemoryRegistry()
	reg.Register(ctx, "planning", registry.ServiceInstance{Addr: "127.0.0.1:1", FeedAddr: pubA.Endpoint().String()}, 10)
	res := NewResolver(reg, "planning", nil, nil)
	if err := res.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer res.Stop()

	got := make(chan string, 16)
	sub := subscriber.New(res.FeedSource(), func(b []byte) { got <- string(b) })
	defer sub.Close()

	eventually(t, "subscription on A", func() bool {
		sub.SpinOnce(ctx, 0, nil)
		return pubA.Subscribers() == 1
	})

	reg.Register(ctx, "planning", registry.ServiceInstance{Addr: "127.0.0.2:1", FeedAddr: pubB.Endpoint().String()}, 10)
	reg.Deregister(ctx, "planning", "127.0.0.1:1")
	eventually(t, "subscription on B", func() bool {
		sub.SpinOnce(ctx, 0, nil)
		return pubB.Subscribers() == 1
	})

	pubB.PublishRaw([]byte(`"from-b"`))
	if _, err := sub.SpinOnce(ctx, time.Second, nil); err != nil {
		t.Fatal(err)
	}
	if msg := <-got; msg != `"from-b"` {
		t.Fatalf("unexpected message %s", msg)
	}
}
