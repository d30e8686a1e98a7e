package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Watch(ctx, "planning")

	reg.Register(ctx, "planning", ServiceInstance{Addr: "a:1", Weight: 1}, 10)
	reg.Register(ctx, "planning", ServiceInstance{Addr: "b:1", Weight: 1}, 10)
	reg.Register(ctx, "planning", ServiceInstance{Addr: "a:1", Weight: 7}, 10)

	// Only the newest list is kept for a slow watcher.
	got := <-updates
	if len(got) != 2 || got[0].Weight != 7 {
		t.Fatalf("unexpected update %+v", got)
	}

	reg.Deregister(ctx, "planning", "a:1")
	got = <-updates
	if len(got) != 1 || got[0].Addr != "b:1" {
		t.Fatalf("unexpected update after deregister %+v", got)
	}

	instances, _ := reg.Discover(ctx, "planning")
	instances[0].Addr = "mutated"
	if again, _ := reg.Discover(ctx, "planning"); again[0].Addr != "b:1" {
		t.Fatal("Discover must return a copy")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expect closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
