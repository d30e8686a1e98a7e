package registry

import (
	"context"
	"testing"
	"time"
)

// newEtcdRegistry skips the test when no etcd answers on localhost.
func newEtcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second, nil)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "reachability-check"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newEtcdRegistry(t)
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", FeedAddr: "127.0.0.1:8002", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:9001", FeedAddr: "127.0.0.1:9002", Weight: 5, Version: "1.0"}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	updates := reg.Watch(watchCtx, "planning")
	time.Sleep(100 * time.Millisecond)

	if err := reg.Register(ctx, "planning", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "planning", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "planning")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	select {
	case <-updates:
	case <-time.After(3 * time.Second):
		t.Fatal("expect a watch update")
	}

	if err := reg.Deregister(ctx, "planning", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover(ctx, "planning")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr || instances[0].FeedAddr != inst2.FeedAddr {
		t.Fatalf("expect %+v, got %+v", inst2, instances[0])
	}

	reg.Deregister(ctx, "planning", inst2.Addr)
}
