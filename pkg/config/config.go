// Package config loads the server's immutable configuration once at
// startup. There is no mutable global configuration state anywhere else
// in this module; every component that needs a setting receives a
// *Config (or a narrower derived value) explicitly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is read once at startup and never mutated afterward.
type Config struct {
	// HeartbeatInterval is "H" in the device health state machine.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_s" validate:"required,gt=0"`
	// LeaseTime is the NFSv4.1 client lease duration.
	LeaseTime time.Duration `mapstructure:"lease_s" validate:"required,gt=0"`
	// GraceTime bounds the post-restart reclaim-only window.
	GraceTime time.Duration `mapstructure:"grace_s" validate:"required,gt=0"`
	// Replicas is the default target replica count R.
	Replicas int `mapstructure:"replicas" validate:"required,min=1"`
	// IOSize is the preferred I/O size reported to clients via layout
	// attributes and fsinfo.
	IOSize uint32 `mapstructure:"iosize" validate:"required"`
	// MaxState bounds total outstanding stateids per client, a simple
	// resource-exhaustion guard.
	MaxState int `mapstructure:"max_state" validate:"required,min=1"`
	// PieceSize is the default blockSize assigned to newly created
	// regular files (0 or a power of two).
	PieceSize uint32 `mapstructure:"piece_size" validate:"required"`
	// FSIDOverride, if non-nil, pins the filesystem id instead of
	// generating one on first start.
	FSIDOverride *[16]byte `mapstructure:"-"`

	// KVDir is the directory backing the namespaced KV store.
	KVDir string `mapstructure:"kv_dir" validate:"required"`
	// ListenAddr is the address the NFSv4.1 service listens on.
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	// CacheCostLimit bounds the DS-local open-file cache (Piece
	// Store), default 512.
	CacheCostLimit int64 `mapstructure:"cache_cost_limit" validate:"required,gt=0"`

	// MetricsAddr, if non-empty, serves Prometheus metrics there.
	MetricsAddr string `mapstructure:"metrics_addr"`
	// TracingEnabled turns on the OTel tracer provider.
	TracingEnabled bool `mapstructure:"tracing_enabled"`
	// ProfilingEnabled turns on the pyroscope continuous profiler.
	ProfilingEnabled bool `mapstructure:"profiling_enabled"`
	// ProfilingServerAddr is the pyroscope server address, required
	// when ProfilingEnabled is set.
	ProfilingServerAddr string `mapstructure:"profiling_server_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Defaults matches spec §9's enumerated defaults.
func Defaults() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		LeaseTime:         120 * time.Second,
		GraceTime:         120 * time.Second,
		Replicas:          3,
		IOSize:            1 << 20,
		MaxState:          65536,
		PieceSize:         0,
		KVDir:             "./flexfiled-data",
		ListenAddr:        ":2049",
		CacheCostLimit:    512,
		LogLevel:          "INFO",
		LogFormat:         "text",
	}
}

// Load reads configuration from the built-in defaults, the given file
// path (if any), and environment variables prefixed FLEXFILED_, in that
// order of increasing precedence.
func Load(path string) (*Config, error) {
	def := Defaults()

	v := viper.New()
	v.SetEnvPrefix("FLEXFILED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("heartbeat_s", def.HeartbeatInterval)
	v.SetDefault("lease_s", def.LeaseTime)
	v.SetDefault("grace_s", def.GraceTime)
	v.SetDefault("replicas", def.Replicas)
	v.SetDefault("iosize", def.IOSize)
	v.SetDefault("max_state", def.MaxState)
	v.SetDefault("piece_size", def.PieceSize)
	v.SetDefault("kv_dir", def.KVDir)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("cache_cost_limit", def.CacheCostLimit)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validatorInst = validator.New()

func validate(cfg *Config) error {
	if err := validatorInst.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.PieceSize != 0 && cfg.PieceSize&(cfg.PieceSize-1) != 0 {
		return fmt.Errorf("invalid config: piece_size must be 0 or a power of two, got %d", cfg.PieceSize)
	}
	return nil
}
