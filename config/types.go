package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"escrowcoord/core/pricing"
	"escrowcoord/native/escrow"
)

// Duration wraps time.Duration so both TOML and YAML accept human readable
// strings such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses duration strings. TOML decoding goes through here.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration for persisted config files.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Ledger configures RPC access to the escrow contracts.
type Ledger struct {
	RPCURL        string   `toml:"RPCURL" yaml:"rpc_url"`
	Confirmations uint64   `toml:"Confirmations" yaml:"confirmations"`
	ReadTimeout   Duration `toml:"ReadTimeout" yaml:"read_timeout"`
	// ReadsPerSecond is shared by every poll loop.
	ReadsPerSecond float64 `toml:"ReadsPerSecond" yaml:"reads_per_second"`
	ReadBurst      int     `toml:"ReadBurst" yaml:"read_burst"`
	FromBlock      uint64  `toml:"FromBlock" yaml:"from_block"`
}

// Mirror configures the reconciliation mirror and its pollers.
type Mirror struct {
	// Store selects the backend: memory, leveldb://path, sqlite://path or a
	// postgres:// DSN.
	Store         string   `toml:"Store" yaml:"store"`
	PollInterval  Duration `toml:"PollInterval" yaml:"poll_interval"`
	MaxRetries    uint64   `toml:"MaxRetries" yaml:"max_retries"`
	RetryInterval Duration `toml:"RetryInterval" yaml:"retry_interval"`
	MaxDiscards   int      `toml:"MaxDiscards" yaml:"max_discards"`
}

// Pair maps a base/quote pair onto a pool.
type Pair struct {
	Base      string `toml:"Base" yaml:"base"`
	Quote     string `toml:"Quote" yaml:"quote"`
	Pool      string `toml:"Pool" yaml:"pool"`
	Decimals0 uint8  `toml:"Decimals0" yaml:"decimals0"`
	Decimals1 uint8  `toml:"Decimals1" yaml:"decimals1"`
	Invert    bool   `toml:"Invert" yaml:"invert"`
	// ReferencePrice is a decimal or fraction string ("3000.5", "6001/2").
	ReferencePrice string `toml:"ReferencePrice" yaml:"reference_price"`
}

// Pricing converts the pair into the adapter's runtime form.
func (p Pair) Pricing() (pricing.PairConfig, error) {
	out := pricing.PairConfig{
		Base:      p.Base,
		Quote:     p.Quote,
		Decimals0: p.Decimals0,
		Decimals1: p.Decimals1,
		Invert:    p.Invert,
	}
	if pool := strings.TrimSpace(p.Pool); pool != "" {
		if !common.IsHexAddress(pool) {
			return out, fmt.Errorf("pair %s/%s: invalid pool address %q", p.Base, p.Quote, pool)
		}
		out.Pool = common.HexToAddress(pool)
	}
	if ref := strings.TrimSpace(p.ReferencePrice); ref != "" {
		price, ok := new(big.Rat).SetString(ref)
		if !ok || price.Sign() <= 0 {
			return out, fmt.Errorf("pair %s/%s: invalid reference price %q", p.Base, p.Quote, ref)
		}
		out.ReferencePrice = price
	}
	return out, nil
}

// Oracle configures the price oracle adapter.
type Oracle struct {
	Timeout             Duration `toml:"Timeout" yaml:"timeout"`
	DefaultToleranceBps uint32   `toml:"DefaultToleranceBps" yaml:"default_tolerance_bps"`
	Pairs               []Pair   `toml:"pairs" yaml:"pairs"`
}

// Gateway configures the HTTP surface.
type Gateway struct {
	ListenAddress     string   `toml:"ListenAddress" yaml:"listen"`
	JWTSecret         string   `toml:"JWTSecret" yaml:"jwt_secret"`
	Issuer            string   `toml:"Issuer" yaml:"issuer"`
	Audience          string   `toml:"Audience" yaml:"audience"`
	RequestsPerMinute int      `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int      `toml:"Burst" yaml:"burst"`
	ShutdownTimeout   Duration `toml:"ShutdownTimeout" yaml:"shutdown_timeout"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	ServiceName string `toml:"ServiceName" yaml:"service_name"`
	Environment string `toml:"Environment" yaml:"environment"`
	Endpoint    string `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool   `toml:"Insecure" yaml:"insecure"`
	Headers     string `toml:"Headers" yaml:"headers"`
	Metrics     bool   `toml:"Metrics" yaml:"metrics"`
	Traces      bool   `toml:"Traces" yaml:"traces"`
}

// Logging configures the JSON logger and its optional rotating file sink.
type Logging struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// WatchTarget is an escrow polled from startup.
type WatchTarget struct {
	Kind    string `toml:"Kind" yaml:"kind"`
	Address string `toml:"Address" yaml:"address"`
}

// Parse resolves the target's kind and address.
func (w WatchTarget) Parse() (escrow.Kind, common.Address, error) {
	kind, err := escrow.ParseKind(w.Kind)
	if err != nil {
		return 0, common.Address{}, err
	}
	if !common.IsHexAddress(strings.TrimSpace(w.Address)) {
		return 0, common.Address{}, fmt.Errorf("watch: invalid address %q", w.Address)
	}
	return kind, common.HexToAddress(strings.TrimSpace(w.Address)), nil
}
