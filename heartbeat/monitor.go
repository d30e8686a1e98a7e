// Package heartbeat tracks the liveness feed of a remote task.
//
// A Monitor owns one conflated subscription and one goroutine. The goroutine
// is the only writer of the published snapshot; readers load it atomically
// and never block.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"ctrl-rpc/codec"
	"ctrl-rpc/rpcerr"
	"ctrl-rpc/subscriber"
	"ctrl-rpc/transport"

	"go.uber.org/zap"
)

const (
	DefaultReinitializeTimeout = 5 * time.Second
	notConfiguredBackoff       = 100 * time.Millisecond
)

type State int

const (
	Disconnected State = iota
	WaitingForData
	Healthy
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case WaitingForData:
		return "waiting-for-data"
	case Healthy:
		return "healthy"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Snapshot is an immutable view of the monitor. A nil Payload means the state
// is unknown.
type Snapshot struct {
	State    State
	Payload  json.RawMessage
	LastSeen time.Time
}

// Extractor picks the interesting part of a heartbeat document. Returning nil
// without an error marks the state as unknown.
type Extractor func(doc json.RawMessage) (json.RawMessage, error)

// WholeDocument publishes every heartbeat as received.
func WholeDocument() Extractor {
	return func(doc json.RawMessage) (json.RawMessage, error) { return doc, nil }
}

// KeyedState publishes doc[field][key], as in a "slavestates" map keyed by
// the slave request id.
func KeyedState(field, key string) Extractor {
	return func(doc json.RawMessage) (json.RawMessage, error) {
		var outer map[string]json.RawMessage
		if err := json.Unmarshal(doc, &outer); err != nil {
			return nil, err
		}
		rawStates, ok := outer[field]
		if !ok || string(rawStates) == "null" {
			return nil, nil
		}
		var states map[string]json.RawMessage
		if err := json.Unmarshal(rawStates, &states); err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		state, ok := states[key]
		if !ok || string(state) == "null" {
			return nil, nil
		}
		return state, nil
	}
}

type Config struct {
	// Source yields the heartbeat feed endpoint. Required.
	Source transport.EndpointSource

	// ReinitializeTimeout is the silence after which the subscription is torn
	// down and the state forgotten.
	ReinitializeTimeout time.Duration

	// Extract defaults to WholeDocument.
	Extract Extractor

	// Name labels the goroutine and the logs.
	Name string

	Logger *zap.Logger

	// Context, when set, is shared with the caller and never closed here.
	Context *transport.Context
}

// Monitor follows Disconnected, WaitingForData, Healthy and back to
// Disconnected on silence.
type Monitor struct {
	sub     *subscriber.Subscriber
	reinit  time.Duration
	extract Extractor
	codec   codec.Codec
	name    string
	logger  *zap.Logger

	state       atomic.Pointer[Snapshot]
	disconnects atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a stopped monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, errors.New("heartbeat: endpoint source is required")
	}
	if cfg.ReinitializeTimeout <= 0 {
		cfg.ReinitializeTimeout = DefaultReinitializeTimeout
	}
	if cfg.Extract == nil {
		cfg.Extract = WholeDocument()
	}
	if cfg.Name == "" {
		cfg.Name = "heartbeat"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Monitor{
		reinit:  cfg.ReinitializeTimeout,
		extract: cfg.Extract,
		codec:   &codec.JSONCodec{},
		name:    cfg.Name,
		logger:  cfg.Logger.With(zap.String("component", "heartbeat"), zap.String("monitor", cfg.Name)),
	}
	m.state.Store(&Snapshot{State: Disconnected})

	opts := []subscriber.Option{subscriber.WithConflate(true), subscriber.WithLogger(cfg.Logger)}
	if cfg.Context != nil {
		opts = append(opts, subscriber.WithTransportContext(cfg.Context))
	}
	m.sub = subscriber.New(cfg.Source, m.onHeartbeat, opts...)
	return m, nil
}

// Start launches the monitor goroutine.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return fmt.Errorf("heartbeat monitor %s already started", m.name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	go pprof.Do(ctx, pprof.Labels("heartbeat", m.name), func(ctx context.Context) {
		defer close(done)
		m.run(ctx)
	})
	return nil
}

// Stop signals the goroutine, joins it and closes the subscription. The last
// snapshot stays readable.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return m.sub.Close()
}

// GetPublishedState returns the latest extracted payload, or nil when nothing
// has been received since the last (re)connection.
func (m *Monitor) GetPublishedState() json.RawMessage {
	return m.state.Load().Payload
}

func (m *Monitor) Snapshot() Snapshot {
	return *m.state.Load()
}

// IsHealthy reports a known state seen within maxAge.
func (m *Monitor) IsHealthy(maxAge time.Duration) bool {
	s := m.state.Load()
	return s.State == Healthy && time.Since(s.LastSeen) <= maxAge
}

// Disconnects counts transitions into Disconnected caused by silence or a
// missing endpoint.
func (m *Monitor) Disconnects() uint64 {
	return m.disconnects.Load()
}

// SocketsOpened counts feed sockets opened so far.
func (m *Monitor) SocketsOpened() uint64 {
	return m.sub.SocketsOpened()
}

func (m *Monitor) run(ctx context.Context) {
	m.logger.Debug("monitor started", zap.Duration("reinitialize_timeout", m.reinit))
	defer m.logger.Debug("monitor stopped")

	for ctx.Err() == nil {
		if m.state.Load().State == Disconnected {
			m.state.Store(&Snapshot{State: WaitingForData})
		}

		result, err := m.sub.SpinOnce(ctx, m.reinit, nil)
		switch {
		case err == nil && result == subscriber.NotConfigured:
			m.disconnect("endpoint not configured")
			if !sleepCtx(ctx, notConfiguredBackoff) {
				return
			}
		case err == nil:
		case errors.Is(err, rpcerr.ErrTimeout):
			m.sub.Reset()
			m.disconnect("no heartbeat within reinitialize timeout")
		case errors.Is(err, rpcerr.ErrCancelled), errors.Is(err, rpcerr.ErrClosed):
			return
		default:
			m.logger.Error("heartbeat spin failed", zap.Error(err))
			m.sub.Reset()
			m.disconnect("spin failed")
			if !sleepCtx(ctx, notConfiguredBackoff) {
				return
			}
		}
	}
}

func (m *Monitor) disconnect(reason string) {
	prev := m.state.Load()
	if prev.State == Disconnected && prev.Payload == nil {
		return
	}
	m.state.Store(&Snapshot{State: Disconnected, LastSeen: prev.LastSeen})
	m.disconnects.Add(1)
	if prev.State == Healthy {
		m.logger.Warn("heartbeat lost", zap.String("reason", reason), zap.Time("last_seen", prev.LastSeen))
	} else {
		m.logger.Debug("heartbeat disconnected", zap.String("reason", reason))
	}
}

// onHeartbeat runs on the monitor goroutine, inside SpinOnce.
func (m *Monitor) onHeartbeat(body []byte) {
	var doc json.RawMessage
	if err := m.codec.Decode(body, &doc); err != nil {
		m.logger.Warn("undecodable heartbeat", zap.Error(err))
		return
	}
	payload, err := m.extract(doc)
	if err != nil {
		m.logger.Warn("heartbeat without expected layout", zap.Error(err))
		return
	}
	if m.state.Load().State != Healthy {
		m.logger.Info("heartbeat healthy")
	}
	m.state.Store(&Snapshot{State: Healthy, Payload: payload, LastSeen: time.Now()})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
