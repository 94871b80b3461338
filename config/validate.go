package config

import (
	"fmt"
	"strings"
)

// MaxToleranceBps caps the default settlement price tolerance.
var MaxToleranceBps = uint32(10_000)

// Validate checks the configuration after defaults were applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
		return fmt.Errorf("ledger: rpc url required")
	}
	if cfg.Ledger.ReadsPerSecond < 0 {
		return fmt.Errorf("ledger: reads_per_second must not be negative")
	}
	if cfg.Mirror.PollInterval.Duration < 0 || cfg.Mirror.RetryInterval.Duration < 0 {
		return fmt.Errorf("mirror: intervals must not be negative")
	}
	store := strings.TrimSpace(cfg.Mirror.Store)
	switch {
	case store == "memory",
		strings.HasPrefix(store, "leveldb://"),
		strings.HasPrefix(store, "sqlite://"),
		strings.HasPrefix(store, "postgres://"),
		strings.HasPrefix(store, "postgresql://"):
	default:
		return fmt.Errorf("mirror: unsupported store %q", store)
	}
	if cfg.Oracle.DefaultToleranceBps > MaxToleranceBps {
		return fmt.Errorf("oracle: default_tolerance_bps above %d", MaxToleranceBps)
	}
	seen := make(map[string]struct{}, len(cfg.Oracle.Pairs))
	for _, pair := range cfg.Oracle.Pairs {
		if _, err := pair.Pricing(); err != nil {
			return fmt.Errorf("oracle: %w", err)
		}
		key := strings.ToUpper(pair.Base) + "/" + strings.ToUpper(pair.Quote)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("oracle: duplicate pair %s", key)
		}
		seen[key] = struct{}{}
		if strings.TrimSpace(pair.Pool) == "" && strings.TrimSpace(pair.ReferencePrice) == "" {
			return fmt.Errorf("oracle: pair %s needs a pool or a reference price", key)
		}
	}
	if cfg.Gateway.JWTSecret != "" && len(cfg.Gateway.JWTSecret) < 16 {
		return fmt.Errorf("gateway: jwt secret must be at least 16 bytes")
	}
	for _, target := range cfg.Watch {
		if _, _, err := target.Parse(); err != nil {
			return err
		}
	}
	return nil
}
