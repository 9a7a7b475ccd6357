// Package config loads the broker daemon's runtime configuration from
// environment variables and an optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the switchyard daemon.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Network   NetworkConfig   `mapstructure:"network"`
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BrokerConfig tunes the routing core.
type BrokerConfig struct {
	WireCapacity int `mapstructure:"wire_capacity"`
}

// NetworkConfig controls the listeners of the network bridge.
type NetworkConfig struct {
	ListenAddr       string            `mapstructure:"listen_addr"`
	WSAddr           string            `mapstructure:"ws_addr"`
	MaxFrame         int               `mapstructure:"max_frame"`
	RateLimit        float64           `mapstructure:"rate_limit"`
	RateBurst        int               `mapstructure:"rate_burst"`
	AccessKeys       map[string]string `mapstructure:"access_keys"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
}

// KeepAliveConfig controls idle probing and eviction.
type KeepAliveConfig struct {
	Idle  time.Duration `mapstructure:"idle"`
	Probe time.Duration `mapstructure:"probe"`
}

// AuthConfig controls the optional JWT hook.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MetricsConfig controls the diagnostics HTTP server.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls the zap pipeline built by internal/logging:
// level, encoder, sink and the sampler. SampleInitial zero
// disables sampling entirely.
type LoggingConfig struct {
	Level            string `mapstructure:"level"`
	Format           string `mapstructure:"format"` // json or console
	Output           string `mapstructure:"output"` // stdout, stderr or a file path
	SampleInitial    int    `mapstructure:"sample_initial"`
	SampleThereafter int    `mapstructure:"sample_thereafter"`
}

// Load reads configuration from environment variables and optional
// config files.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("broker.wire_capacity", 64)

	v.SetDefault("network.listen_addr", "0.0.0.0:8656")
	v.SetDefault("network.ws_addr", "")
	v.SetDefault("network.max_frame", 0)
	v.SetDefault("network.rate_limit", 0)
	v.SetDefault("network.rate_burst", 64)
	v.SetDefault("network.handshake_timeout", 30*time.Second)

	v.SetDefault("keepalive.idle", 60*time.Second)
	v.SetDefault("keepalive.probe", 20*time.Second)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9656")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.sample_initial", 100)
	v.SetDefault("logging.sample_thereafter", 100)

	v.SetConfigName("switchyard")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SWITCHYARD")
	v.AutomaticEnv()

	// The config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Broker.WireCapacity <= 0 {
		cfg.Broker.WireCapacity = 64
	}
	if cfg.KeepAlive.Idle <= 0 {
		cfg.KeepAlive.Idle = 60 * time.Second
	}
	if cfg.KeepAlive.Probe <= 0 {
		cfg.KeepAlive.Probe = 20 * time.Second
	}

	return cfg, nil
}
