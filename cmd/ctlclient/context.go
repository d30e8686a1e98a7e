package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ctrl-rpc/client"
	"ctrl-rpc/config"
	"ctrl-rpc/discovery"
	"ctrl-rpc/loadbalance"
	"ctrl-rpc/logging"
	"ctrl-rpc/message"
	"ctrl-rpc/middleware"
	"ctrl-rpc/registry"
	"ctrl-rpc/transport"

	"go.uber.org/zap"
)

type commandContext struct {
	configFlag *string
	levelFlag  *string
	formatFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *zap.Logger
	loggerErr  error
}

func newCommandContext(configFlag, levelFlag, formatFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		levelFlag:  levelFlag,
		formatFlag: formatFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*zap.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		level, format := cfg.Log.Level, cfg.Log.Format
		if c.levelFlag != nil && *c.levelFlag != "" {
			level = *c.levelFlag
		}
		if c.formatFlag != nil && *c.formatFlag != "" {
			format = *c.formatFlag
		}
		c.logger, c.loggerErr = logging.New(level, format)
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) close() {
	if c.logger != nil {
		c.logger.Sync()
	}
}

// controller says where the controller lives: statically from the config, or
// through an etcd-backed resolver that keeps following the registry.
type controller struct {
	command transport.Endpoint
	feed    transport.EndpointSource
	stop    func()
}

func (c *commandContext) resolveController(ctx context.Context) (*controller, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}

	if !cfg.DiscoveryEnabled() {
		cmd, err := cfg.CommandEndpoint()
		if err != nil {
			return nil, err
		}
		hb, err := cfg.HeartbeatEndpoint()
		if err != nil {
			return nil, err
		}
		return &controller{command: cmd, feed: transport.StaticEndpoint(hb), stop: func() {}}, nil
	}

	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Duration, logger)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	bal, err := loadbalance.New(cfg.Registry.Balancer, cfg.Session.SlaveRequestID)
	if err != nil {
		reg.Close()
		return nil, err
	}
	res := discovery.NewResolver(reg, cfg.Registry.Service, bal, logger)
	startCtx, cancel := context.WithTimeout(ctx, cfg.Registry.DialTimeout.Duration)
	defer cancel()
	if err := res.Start(startCtx); err != nil {
		reg.Close()
		return nil, err
	}
	cmd, ok := res.Endpoint()
	if !ok {
		res.Stop()
		reg.Close()
		return nil, fmt.Errorf("no controller registered for service %q", cfg.Registry.Service)
	}
	return &controller{
		command: cmd,
		feed:    res.FeedSource(),
		stop: func() {
			res.Stop()
			reg.Close()
		},
	}, nil
}

// newClient builds a client from the configuration; extra middlewares run
// innermost. The heartbeat monitor runs when the config enables it or when
// forceHeartbeat is set.
func (c *commandContext) newClient(ctrl *controller, forceHeartbeat bool, extra ...middleware.Middleware) (*client.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.RPC.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RPC.RateLimit, cfg.RPC.RateBurst))
	}
	if cfg.RPC.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.RPC.Retries, cfg.RPC.RetryDelay.Duration, logger))
	}
	mws = append(mws, extra...)

	ccfg := client.Config{
		Endpoint:      ctrl.command,
		PoolLimit:     cfg.Pool.Limit,
		ReuseTimeout:  cfg.Pool.ReuseTimeout.Duration,
		Timeout:       cfg.RPC.Timeout.Duration,
		FireAndForget: cfg.RPC.FireAndForget,
		Session: message.Session{
			UserInfo:       cfg.Session.UserInfo,
			SlaveRequestID: cfg.Session.SlaveRequestID,
			Locale:         cfg.Session.Locale,
		},
		Logger:      logger,
		Middlewares: mws,
	}
	if forceHeartbeat || cfg.Heartbeat.Enabled {
		ccfg.Heartbeat = &client.HeartbeatConfig{
			Source:              ctrl.feed,
			ReinitializeTimeout: cfg.Heartbeat.ReinitializeTimeout.Duration,
			StateField:          cfg.Heartbeat.StateField,
		}
	}
	return client.New(ccfg)
}
