package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration shared by the gateway and escrowctl.
type Config struct {
	Ledger    Ledger        `toml:"ledger" yaml:"ledger"`
	Mirror    Mirror        `toml:"mirror" yaml:"mirror"`
	Oracle    Oracle        `toml:"oracle" yaml:"oracle"`
	Gateway   Gateway       `toml:"gateway" yaml:"gateway"`
	Telemetry Telemetry     `toml:"telemetry" yaml:"telemetry"`
	Logging   Logging       `toml:"logging" yaml:"logging"`
	Watch     []WatchTarget `toml:"watch" yaml:"watch"`
}

// Load loads the configuration from the given path. YAML is selected by a
// .yaml or .yml extension, TOML otherwise. A missing TOML file is created
// with defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if isYAML(path) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return createDefault(path)
	}

	if isYAML(path) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Ledger.RPCURL == "" {
		cfg.Ledger.RPCURL = "http://127.0.0.1:8545"
	}
	if cfg.Ledger.ReadTimeout.Duration == 0 {
		cfg.Ledger.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.Ledger.ReadsPerSecond == 0 {
		cfg.Ledger.ReadsPerSecond = 20
	}
	if cfg.Ledger.ReadBurst <= 0 {
		cfg.Ledger.ReadBurst = 5
	}
	if strings.TrimSpace(cfg.Mirror.Store) == "" {
		cfg.Mirror.Store = "memory"
	}
	if cfg.Mirror.PollInterval.Duration == 0 {
		cfg.Mirror.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Mirror.MaxRetries == 0 {
		cfg.Mirror.MaxRetries = 3
	}
	if cfg.Mirror.RetryInterval.Duration == 0 {
		cfg.Mirror.RetryInterval.Duration = 250 * time.Millisecond
	}
	if cfg.Mirror.MaxDiscards <= 0 {
		cfg.Mirror.MaxDiscards = 32
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 3 * time.Second
	}
	if cfg.Oracle.DefaultToleranceBps == 0 {
		cfg.Oracle.DefaultToleranceBps = 200
	}
	if cfg.Gateway.ListenAddress == "" {
		cfg.Gateway.ListenAddress = ":8088"
	}
	if cfg.Gateway.RequestsPerMinute <= 0 {
		cfg.Gateway.RequestsPerMinute = 120
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 20
	}
	if cfg.Gateway.ShutdownTimeout.Duration == 0 {
		cfg.Gateway.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "escrow-gateway"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
