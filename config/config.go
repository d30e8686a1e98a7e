// Package config loads the client configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"ctrl-rpc/transport"
)

// Config holds the complete client configuration
type Config struct {
	Controller   ControllerConfig   `toml:"controller"`
	Pool         PoolConfig         `toml:"pool"`
	RPC          RPCConfig          `toml:"rpc"`
	Subscription SubscriptionConfig `toml:"subscription"`
	Heartbeat    HeartbeatConfig    `toml:"heartbeat"`
	Registry     RegistryConfig     `toml:"registry"`
	Session      SessionConfig      `toml:"session"`
	Log          LogConfig          `toml:"log"`
}

// ControllerConfig locates the controller. URL wins over host and port.
type ControllerConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	URL           string `toml:"url"`
	HeartbeatPort int    `toml:"heartbeat_port"`
	HeartbeatURL  string `toml:"heartbeat_url"`
}

type PoolConfig struct {
	Limit        int      `toml:"limit"`
	ReuseTimeout Duration `toml:"reuse_timeout"`
}

type RPCConfig struct {
	Timeout       Duration `toml:"timeout"`
	FireAndForget bool     `toml:"fire_and_forget"`
	RateLimit     float64  `toml:"rate_limit"` // commands per second, 0 disables
	RateBurst     int      `toml:"rate_burst"`
	Retries       int      `toml:"retries"`
	RetryDelay    Duration `toml:"retry_delay"`
}

type SubscriptionConfig struct {
	Endpoint         string   `toml:"endpoint"`
	Conflate         bool     `toml:"conflate"`
	ThreadName       string   `toml:"thread_name"`
	MinInterval      Duration `toml:"min_interval"`
	ReconnectTimeout Duration `toml:"reconnect_timeout"`
	SpinTimeout      Duration `toml:"spin_timeout"`
}

type HeartbeatConfig struct {
	Enabled             bool     `toml:"enabled"`
	ReinitializeTimeout Duration `toml:"reinitialize_timeout"`
	StateField          string   `toml:"state_field"`
}

// RegistryConfig enables etcd discovery when Endpoints is not empty.
type RegistryConfig struct {
	Endpoints   []string `toml:"endpoints"`
	Service     string   `toml:"service"`
	Balancer    string   `toml:"balancer"`
	DialTimeout Duration `toml:"dial_timeout"`
	TTL         int64    `toml:"ttl"`
}

type SessionConfig struct {
	SlaveRequestID string         `toml:"slave_request_id"`
	Locale         string         `toml:"locale"`
	UserInfo       map[string]any `toml:"userinfo"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and validates. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		path = os.ExpandEnv(path)
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text, applies defaults and validates.
func Parse(text string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.Decode(text, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Controller.Host == "" && c.Controller.URL == "" {
		c.Controller.Host = "127.0.0.1"
	}
	if c.Controller.Port == 0 && c.Controller.URL == "" {
		c.Controller.Port = 7000
	}
	if c.Controller.HeartbeatPort == 0 && c.Controller.URL == "" {
		c.Controller.HeartbeatPort = c.Controller.Port + 1
	}

	if c.Pool.Limit == 0 {
		c.Pool.Limit = 1
	}
	if c.Pool.ReuseTimeout.Duration == 0 {
		c.Pool.ReuseTimeout.Duration = transport.DefaultReuseTimeout
	}

	if c.RPC.Timeout.Duration == 0 {
		c.RPC.Timeout.Duration = 10 * time.Second
	}
	if c.RPC.RateBurst == 0 {
		c.RPC.RateBurst = 1
	}
	if c.RPC.RetryDelay.Duration == 0 {
		c.RPC.RetryDelay.Duration = 100 * time.Millisecond
	}

	if c.Subscription.ThreadName == "" {
		c.Subscription.ThreadName = "subscriber"
	}
	if c.Subscription.SpinTimeout.Duration == 0 {
		c.Subscription.SpinTimeout.Duration = time.Second
	}

	if c.Heartbeat.ReinitializeTimeout.Duration == 0 {
		c.Heartbeat.ReinitializeTimeout.Duration = 5 * time.Second
	}
	if c.Heartbeat.StateField == "" {
		c.Heartbeat.StateField = "slavestates"
	}

	if c.Registry.Service == "" {
		c.Registry.Service = "controller"
	}
	if c.Registry.Balancer == "" {
		c.Registry.Balancer = "round_robin"
	}
	if c.Registry.DialTimeout.Duration == 0 {
		c.Registry.DialTimeout.Duration = 5 * time.Second
	}
	if c.Registry.TTL == 0 {
		c.Registry.TTL = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Controller.URL != "" {
		if _, err := transport.ParseEndpoint(c.Controller.URL); err != nil {
			errs = append(errs, fmt.Errorf("controller.url: %w", err))
		}
	} else if c.Controller.Port <= 0 || c.Controller.Port > 65535 {
		errs = append(errs, fmt.Errorf("controller.port: %d out of range", c.Controller.Port))
	}
	if c.Controller.HeartbeatURL != "" {
		if _, err := transport.ParseEndpoint(c.Controller.HeartbeatURL); err != nil {
			errs = append(errs, fmt.Errorf("controller.heartbeat_url: %w", err))
		}
	}
	if c.Subscription.Endpoint != "" {
		if _, err := transport.ParseEndpoint(c.Subscription.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("subscription.endpoint: %w", err))
		}
	}
	if c.Pool.Limit < -1 {
		errs = append(errs, fmt.Errorf("pool.limit: %d, use -1 for unbounded", c.Pool.Limit))
	}
	if c.RPC.RateLimit < 0 {
		errs = append(errs, errors.New("rpc.rate_limit: must not be negative"))
	}
	if c.RPC.Retries < 0 {
		errs = append(errs, errors.New("rpc.retries: must not be negative"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: %q, want console or json", c.Log.Format))
	}
	switch c.Registry.Balancer {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		errs = append(errs, fmt.Errorf("registry.balancer: unknown %q", c.Registry.Balancer))
	}
	return errors.Join(errs...)
}

// CommandEndpoint is the controller's request endpoint.
func (c *Config) CommandEndpoint() (transport.Endpoint, error) {
	if c.Controller.URL != "" {
		return transport.ParseEndpoint(c.Controller.URL)
	}
	return transport.Endpoint{Host: c.Controller.Host, Port: c.Controller.Port}, nil
}

// HeartbeatEndpoint is the controller's heartbeat feed endpoint. It is zero
// when it must be derived from the command endpoint.
func (c *Config) HeartbeatEndpoint() (transport.Endpoint, error) {
	switch {
	case c.Controller.HeartbeatURL != "":
		return transport.ParseEndpoint(c.Controller.HeartbeatURL)
	case c.Controller.URL == "" && c.Controller.HeartbeatPort > 0:
		return transport.Endpoint{Host: c.Controller.Host, Port: c.Controller.HeartbeatPort}, nil
	}
	return transport.Endpoint{}, nil
}

// DiscoveryEnabled reports whether controllers come from etcd.
func (c *Config) DiscoveryEnabled() bool {
	return len(c.Registry.Endpoints) > 0
}
