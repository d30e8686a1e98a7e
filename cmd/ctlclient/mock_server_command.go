package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"ctrl-rpc/message"
	"ctrl-rpc/registry"
	"ctrl-rpc/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// mockController answers a few commands and remembers, per slave request id,
// the last command it saw so the heartbeat has something to report.
type mockController struct {
	started time.Time

	mu     sync.Mutex
	slaves map[string]map[string]any
}

func newMockController() *mockController {
	return &mockController{started: time.Now(), slaves: make(map[string]map[string]any)}
}

func (m *mockController) track(req *message.Request) {
	if req.Session.SlaveRequestID == "" {
		return
	}
	m.mu.Lock()
	m.slaves[req.Session.SlaveRequestID] = map[string]any{
		"taskstate":   "running",
		"lastcommand": req.Command,
		"stamp":       req.Stamp,
	}
	m.mu.Unlock()
}

func (m *mockController) heartbeat() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]any, len(m.slaves))
	for id, st := range m.slaves {
		states[id] = st
	}
	return map[string]any{
		"uptime":      time.Since(m.started).Seconds(),
		"slavestates": states,
	}
}

func (m *mockController) register(svr *server.Server) {
	svr.Handle("Ping", func(ctx context.Context, req *message.Request) (any, error) {
		m.track(req)
		return map[string]any{"pong": req.Stamp}, nil
	})
	svr.Handle("Echo", func(ctx context.Context, req *message.Request) (any, error) {
		m.track(req)
		return req.Params, nil
	})
	svr.Handle("Sleep", func(ctx context.Context, req *message.Request) (any, error) {
		m.track(req)
		seconds, _ := req.Params["seconds"].(float64)
		time.Sleep(time.Duration(seconds * float64(time.Second)))
		return map[string]any{"slept": seconds}, nil
	})
	svr.Handle("Fail", func(ctx context.Context, req *message.Request) (any, error) {
		m.track(req)
		return nil, &server.CodedError{Code: "mock_failure", Err: fmt.Errorf("failed on request")}
	})
	svr.Handle("Hang", func(ctx context.Context, req *message.Request) (any, error) {
		m.track(req)
		return nil, server.ErrNoReply
	})
}

func newMockServerCommand(ctx *commandContext) *cobra.Command {
	var host string
	var port int
	var interval time.Duration
	var register bool

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a fake controller with a heartbeat feed on port + 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") {
				port = cfg.Controller.Port
			}
			if !cmd.Flags().Changed("host") && cfg.Controller.Host != "" {
				host = cfg.Controller.Host
			}

			mock := newMockController()
			svr := server.NewServer(logger)
			mock.register(svr)
			addr := net.JoinHostPort(host, strconv.Itoa(port))
			if err := svr.Listen("tcp", addr); err != nil {
				return err
			}
			go svr.Serve()
			defer svr.Shutdown(3 * time.Second)

			feedAddr := net.JoinHostPort(host, strconv.Itoa(port+1))
			pub, err := server.NewPublisher("tcp", feedAddr, logger)
			if err != nil {
				return err
			}
			defer pub.Close()
			logger.Info("mock controller listening",
				zap.Stringer("command", svr.Endpoint()), zap.Stringer("heartbeat", pub.Endpoint()))

			if register && cfg.DiscoveryEnabled() {
				reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Duration, logger)
				if err != nil {
					return err
				}
				defer reg.Close()
				inst := registry.ServiceInstance{Addr: addr, FeedAddr: feedAddr, Weight: 1, Version: "mock"}
				if err := reg.Register(cmd.Context(), cfg.Registry.Service, inst, cfg.Registry.TTL); err != nil {
					return err
				}
				defer func() {
					dctx, cancel := context.WithTimeout(context.Background(), cfg.Registry.DialTimeout.Duration)
					defer cancel()
					reg.Deregister(dctx, cfg.Registry.Service, addr)
				}()
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					logger.Info("mock controller stopping", zap.Uint64("served", svr.Served()))
					return nil
				case <-ticker.C:
					if err := pub.Publish(mock.heartbeat()); err != nil {
						logger.Warn("publish heartbeat", zap.Error(err))
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Address to bind")
	cmd.Flags().IntVarP(&port, "port", "p", 7000, "Command port; the heartbeat feed uses port + 1")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 200*time.Millisecond, "Heartbeat period")
	cmd.Flags().BoolVar(&register, "register", true, "Register in etcd when the registry is configured")
	return cmd
}
