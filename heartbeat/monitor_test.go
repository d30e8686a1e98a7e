package heartbeat

import (
	"encoding/json"
	"testing"
	"time"

	"ctrl-rpc/server"
	"ctrl-rpc/transport"
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

func TestKeyedState(t *testing.T) {
	extract := KeyedState("slavestates", "s1")
	cases := []struct {
		doc  string
		want string
		err  bool
	}{
		{`{"slavestates":{"s1":{"pose":[1,2]}}}`, `{"pose":[1,2]}`, false},
		{`{"slavestates":{"other":1}}`, ``, false},
		{`{"slavestates":null}`, ``, false},
		{`{"uptime":3}`, ``, false},
		{`{"slavestates":{"s1":null}}`, ``, false},
		{`{"slavestates":[1]}`, ``, true},
		{`[]`, ``, true},
	}
	for _, tc := range cases {
		got, err := extract(json.RawMessage(tc.doc))
		if (err != nil) != tc.err {
			t.Errorf("%s: unexpected error %v", tc.doc, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("%s: expect %q, got %q", tc.doc, tc.want, got)
		}
	}
}

func TestMonitorLifecycle(t *testing.T) {
	pub, err := server.NewPublisher("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	mon, err := NewMonitor(Config{
		Source:              transport.StaticEndpoint(pub.Endpoint()),
		ReinitializeTimeout: 150 * time.Millisecond,
		Extract:             KeyedState("slavestates", "s1"),
		Name:                "planning",
	})
	if err != nil {
		t.Fatal(err)
	}
	if mon.GetPublishedState() != nil || mon.Snapshot().State != Disconnected {
		t.Fatal("expect unknown state before start")
	}
	if err := mon.Start(); err != nil {
		t.Fatal(err)
	}
	defer mon.Stop()

	eventually(t, "healthy state", func() bool {
		pub.Publish(map[string]any{"slavestates": map[string]any{"s1": map[string]any{"pose": 1}}})
		return mon.Snapshot().State == Healthy
	})
	if got := string(mon.GetPublishedState()); got != `{"pose":1}` {
		t.Fatalf("unexpected payload %s", got)
	}
	if !mon.IsHealthy(time.Second) {
		t.Fatal("expect healthy")
	}

	eventually(t, "unknown state for missing key", func() bool {
		pub.Publish(map[string]any{"slavestates": map[string]any{}})
		return mon.GetPublishedState() == nil
	})
	if mon.Snapshot().State != Healthy {
		t.Fatal("a heartbeat without our key still proves the feed is alive")
	}

	// Silence: the monitor forgets the state and resubscribes.
	opened := mon.SocketsOpened()
	eventually(t, "reinitialization", func() bool {
		return mon.Disconnects() > 0 && mon.SocketsOpened() > opened
	})
	if mon.GetPublishedState() != nil {
		t.Fatal("expect unknown state after reinitialization")
	}
	if mon.IsHealthy(time.Hour) {
		t.Fatal("expect unhealthy after silence")
	}

	eventually(t, "recovery", func() bool {
		pub.Publish(map[string]any{"slavestates": map[string]any{"s1": "idle"}})
		return string(mon.GetPublishedState()) == `"idle"`
	})

	if err := mon.Stop(); err != nil {
		t.Fatal(err)
	}
	if string(mon.GetPublishedState()) != `"idle"` {
		t.Fatal("last snapshot should stay readable after stop")
	}
}

func TestMonitorNotConfigured(t *testing.T) {
	mon, err := NewMonitor(Config{
		Source: transport.EndpointFunc(func() (transport.Endpoint, bool) {
			return transport.Endpoint{}, false
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	mon.Start()
	time.Sleep(250 * time.Millisecond)
	if mon.GetPublishedState() != nil || mon.IsHealthy(time.Hour) {
		t.Fatal("expect unknown state without endpoint")
	}
	if mon.SocketsOpened() != 0 {
		t.Fatal("no socket should be opened without endpoint")
	}
	if err := mon.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestNewMonitorRequiresSource(t *testing.T) {
	if _, err := NewMonitor(Config{}); err == nil {
		t.Fatal("expect error without source")
	}
}
