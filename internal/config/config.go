// Package config loads process configuration from the environment. Runtime
// tunables that operators change while the service is running (rate limits,
// history size, occupancy target) are not here; see package settings.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. LOBBY_REDIS_ADDR.
const Prefix = "LOBBY"

// Config holds all process configuration.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	ServerName string `envconfig:"SERVER_NAME"`

	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	DatabaseURL string `envconfig:"DATABASE_URL"` // empty: in-memory durable stores
	NATSURL     string `envconfig:"NATS_URL"`     // empty: in-process broadcaster

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	// Decoys seeds the decoy pool at startup, e.g. "Lea,Chloe,Manon".
	// Existing nicknames are left as they are.
	Decoys []string `envconfig:"DECOYS"`

	// TrustedProxies lists the load balancer addresses or CIDRs whose
	// X-Forwarded-For header is believed. Empty: the socket peer is the
	// client address.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	for _, p := range c.TrustedProxies {
		p = strings.TrimSpace(p)
		if strings.Contains(p, "/") {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("config: TRUSTED_PROXIES entry %q: %w", p, err)
			}
			continue
		}
		if net.ParseIP(p) == nil {
			return fmt.Errorf("config: TRUSTED_PROXIES entry %q is not an IP address", p)
		}
	}
	return nil
}
