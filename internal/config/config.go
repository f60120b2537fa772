// Package config loads host and cluster settings from defaults, an
// optional YAML file and OBSCURA_ environment variables, in that order.
// Nested keys use a double underscore: OBSCURA_CLUSTER__NODES=7.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix marks the environment variables read by Load.
const envPrefix = "OBSCURA_"

// Config holds the settings of one process.
type Config struct {
	DataPath    string          `koanf:"data_path"`    // DataPath is the Pebble directory
	HTTPAddress string          `koanf:"http_address"` // HTTPAddress is the API listen address
	QUICAddress string          `koanf:"quic_address"` // QUICAddress is the network listen address
	KeyPath     string          `koanf:"key_path"`     // KeyPath holds the ed25519 network key
	LogLevel    string          `koanf:"log_level"`    // LogLevel is debug, info, warn or error
	Peers       []string        `koanf:"peers"`        // Peers are dialled on start
	Allowed     []string        `koanf:"allowed"`      // Allowed are hex ed25519 keys; empty accepts any
	Scheduler   SchedulerConfig `koanf:"scheduler"`    // Scheduler tunes the mempool pump
	Cluster     ClusterConfig   `koanf:"cluster"`      // Cluster describes the computation cluster
}

// SchedulerConfig tunes the host mempool pump.
type SchedulerConfig struct {
	PumpInterval time.Duration `koanf:"pump_interval"`
	BatchSize    int           `koanf:"batch_size"`
}

// ClusterConfig describes the cluster. Host and cluster derive the same
// signing identity and sealing key from Seed.
type ClusterConfig struct {
	Seed      string `koanf:"seed"`
	Nodes     int    `koanf:"nodes"`
	Threshold int    `koanf:"threshold"`
	Online    int    `koanf:"online"`
	Workers   int    `koanf:"workers"`
	QueueSize int    `koanf:"queue_size"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		DataPath:    "./data",
		HTTPAddress: ":8080",
		QUICAddress: ":9000",
		LogLevel:    "info",
		Scheduler: SchedulerConfig{
			PumpInterval: 100 * time.Millisecond,
			BatchSize:    64,
		},
		Cluster: ClusterConfig{
			Nodes:     4,
			Threshold: 3,
			Workers:   4,
			QueueSize: 256,
		},
	}
}

// Load reads a config file, when path is set, over the defaults and
// applies environment overrides last.
func Load(path string) (Config, error) {
	var provider koanf.Provider
	if path != "" {
		provider = file.Provider(path)
	}

	return load(provider)
}

// load layers defaults, provider and environment.
func load(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults:\n%w", err)
	}

	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file:\n%w", err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env:\n%w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config:\n%w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the cluster shape and the allowlist encoding.
func (c Config) Validate() error {
	if c.Cluster.Nodes <= 0 {
		return fmt.Errorf("cluster.nodes must be positive, got %d", c.Cluster.Nodes)
	}

	if c.Cluster.Threshold <= 0 || c.Cluster.Threshold > c.Cluster.Nodes {
		return fmt.Errorf("cluster.threshold must be in [1, %d], got %d", c.Cluster.Nodes, c.Cluster.Threshold)
	}

	if c.Cluster.Online < 0 || c.Cluster.Online > c.Cluster.Nodes {
		return fmt.Errorf("cluster.online must be in [0, %d], got %d", c.Cluster.Nodes, c.Cluster.Online)
	}

	if _, err := c.AllowedKeys(); err != nil {
		return err
	}

	return nil
}

// AllowedKeys decodes the peer allowlist.
func (c Config) AllowedKeys() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(c.Allowed))

	for _, s := range c.Allowed {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("allowed key %q:\n%w", s, err)
		}

		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("allowed key %q: want %d bytes, got %d", s, ed25519.PublicKeySize, len(b))
		}

		keys = append(keys, ed25519.PublicKey(b))
	}

	return keys, nil
}

// ClusterSeed returns the seed both sides derive the cluster from.
func (c Config) ClusterSeed() ([]byte, error) {
	if c.Cluster.Seed == "" {
		return nil, fmt.Errorf("cluster.seed is required")
	}

	return []byte(c.Cluster.Seed), nil
}
