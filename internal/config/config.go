// Package config loads the deployment-level settings for the vtunctl
// daemon: the tun device to bind, the metrics listen address, and the
// periodic-maintenance cadence. Everything the stack's correctness depends
// on (MSS, RTO schedule, reorder budget, ephemeral port range) is a fixed
// protocol constant and deliberately not configurable here.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is populated from the process environment with the VTUN_ prefix.
type Config struct {
	// TunName is the name of the tun device to create or attach to.
	TunName string `env:"VTUN_TUN_NAME,default=vtun0"`

	// LocalAddr is the IPv4 address this stack presents as its own when
	// stamping outbound ConnIDs.
	LocalAddr string `env:"VTUN_LOCAL_ADDR,required"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the metrics server.
	MetricsAddr string `env:"VTUN_METRICS_ADDR,default=:9095"`

	// RetransmitInterval is how often the daemon calls CheckRetransmissions.
	RetransmitInterval time.Duration `env:"VTUN_RETRANSMIT_INTERVAL,default=200ms"`

	// CleanupInterval is how often the daemon calls CleanupStaleConnections.
	CleanupInterval time.Duration `env:"VTUN_CLEANUP_INTERVAL,default=5s"`

	// LogLevel is the dlog level name (debug, info, warn, error). The base
	// logger reads this same variable directly at process startup, before
	// any command's flags are parsed, because it must exist to log a
	// config-load failure; this field exists so LogLevel still shows up
	// here alongside the rest of the environment surface.
	LogLevel string `env:"VTUN_LOG_LEVEL,default=info"`
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
