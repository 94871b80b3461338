package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"escrowcoord/config"
)

const defaultConfigPath = "escrow-gateway.toml"

// envOverride maps an ESCROW_GATEWAY_* variable onto a config field.
type envOverride struct {
	name  string
	apply func(cfg *config.Config, value string) error
}

var envOverrides = []envOverride{
	{"ESCROW_GATEWAY_LISTEN", func(cfg *config.Config, v string) error { cfg.Gateway.ListenAddress = v; return nil }},
	{"ESCROW_GATEWAY_RPC_URL", func(cfg *config.Config, v string) error { cfg.Ledger.RPCURL = v; return nil }},
	{"ESCROW_GATEWAY_STORE", func(cfg *config.Config, v string) error { cfg.Mirror.Store = v; return nil }},
	{"ESCROW_GATEWAY_JWT_SECRET", func(cfg *config.Config, v string) error { cfg.Gateway.JWTSecret = v; return nil }},
	{"ESCROW_GATEWAY_JWT_ISSUER", func(cfg *config.Config, v string) error { cfg.Gateway.Issuer = v; return nil }},
	{"ESCROW_GATEWAY_JWT_AUDIENCE", func(cfg *config.Config, v string) error { cfg.Gateway.Audience = v; return nil }},
	{"ESCROW_GATEWAY_LOG_LEVEL", func(cfg *config.Config, v string) error { cfg.Logging.Level = v; return nil }},
	{"ESCROW_GATEWAY_CONFIRMATIONS", func(cfg *config.Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		cfg.Ledger.Confirmations = n
		return nil
	}},
	{"ESCROW_GATEWAY_TOLERANCE_BPS", func(cfg *config.Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		cfg.Oracle.DefaultToleranceBps = uint32(n)
		return nil
	}},
}

// LoadConfigFromEnv loads .env when present, reads the config file named by
// ESCROW_GATEWAY_CONFIG and applies ESCROW_GATEWAY_* overrides.
func LoadConfigFromEnv() (*config.Config, error) {
	_ = godotenv.Load()
	path := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_CONFIG"))
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config, lookup func(string) (string, bool)) error {
	for _, override := range envOverrides {
		raw, ok := lookup(override.name)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := override.apply(cfg, raw); err != nil {
			return fmt.Errorf("parse %s: %w", override.name, err)
		}
	}
	return config.Validate(cfg)
}
