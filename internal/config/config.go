// Package config loads the environment-variable surface described in
// spec §6.1 into a validated, immutable Config value. Environment-variable
// loading is an external collaborator per spec §1 — this package owns only
// the contract (names, defaults, clamping), not how an operator supplies
// them (env, .env file, secret manager all funnel through viper.AutomaticEnv).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Defaults per §6.1.
const (
	DefaultRewardsPoolBps       = 5000
	DefaultMinTrades            = 3
	DefaultVaultReserveLamports = 50_000_000

	EngineTickInterval   = 60 * time.Second
	LeaderCheckInterval  = 30 * time.Second
	StuckEpochTimeout    = 15 * time.Minute
	MaxPayoutRetries     = 3
)

// Config is the validated, clamped configuration snapshot for one process
// lifetime. All fields are exported plain values, including the vault
// private key, so callers must not log a Config in full.
type Config struct {
	RewardsPoolBps       uint32
	MinTrades            int
	VaultReserveLamports uint64
	DryRun               bool

	SolanaRPCURL     string
	VaultPrivateKey  string
	TokenMint        string
	BagsAPIKey       string
	AdminSecret      string
	DatabaseURL      string

	LogFile  string
	LogLevel string
}

// ShutdownGrace bounds how long an orderly shutdown waits for in-flight
// Gateway/DB calls before the process tears down its timers and releases
// the advisory lock (spec §5 "pending RPC/DB calls are allowed to
// complete up to their own timeouts").
func (c *Config) ShutdownGrace() time.Duration {
	return 20 * time.Second
}

// HasLedgerConfig reports whether every variable the Ledger Gateway needs
// to initialize is present. §4.1 init(): absence means the engine disables
// itself cleanly, with no state mutation.
func (c *Config) HasLedgerConfig() bool {
	return c.SolanaRPCURL != "" && c.VaultPrivateKey != "" && c.TokenMint != "" && c.BagsAPIKey != ""
}

// Load reads the environment via viper and returns a clamped, validated
// Config. It never panics and never reads the environment from anywhere
// else in the module — all other packages receive a *Config by injection.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	keys := []string{
		"REWARDS_POOL_BPS",
		"REWARDS_MIN_TRADES",
		"VAULT_RESERVE_LAMPORTS",
		"REWARDS_DRY_RUN",
		"SOLANA_RPC_URL",
		"REWARDS_VAULT_PRIVATE_KEY",
		"REWARDS_TOKEN_MINT",
		"BAGS_API_KEY",
		"REWARDS_ADMIN_SECRET",
		"DATABASE_URL",
		"LOG_FILE",
		"LOG_LEVEL",
	}
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", k, err)
		}
	}

	cfg := &Config{
		RewardsPoolBps:       clampBps(v, "REWARDS_POOL_BPS", DefaultRewardsPoolBps),
		MinTrades:            clampMinTrades(v, "REWARDS_MIN_TRADES", DefaultMinTrades),
		VaultReserveLamports: getUintOr(v, "VAULT_RESERVE_LAMPORTS", DefaultVaultReserveLamports),
		DryRun:               parseBool(v.GetString("REWARDS_DRY_RUN")),

		SolanaRPCURL:    strings.TrimSpace(v.GetString("SOLANA_RPC_URL")),
		VaultPrivateKey: strings.TrimSpace(v.GetString("REWARDS_VAULT_PRIVATE_KEY")),
		TokenMint:       strings.TrimSpace(v.GetString("REWARDS_TOKEN_MINT")),
		BagsAPIKey:      strings.TrimSpace(v.GetString("BAGS_API_KEY")),
		AdminSecret:     strings.TrimSpace(v.GetString("REWARDS_ADMIN_SECRET")),
		DatabaseURL:     strings.TrimSpace(v.GetString("DATABASE_URL")),

		LogFile:  strings.TrimSpace(v.GetString("LOG_FILE")),
		LogLevel: strings.TrimSpace(v.GetString("LOG_LEVEL")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	return cfg, nil
}

func clampBps(v *viper.Viper, key string, def uint32) uint32 {
	raw := v.GetString(key)
	if raw == "" {
		return def
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return 0
	}
	if n > 10000 {
		return 10000
	}
	return uint32(n)
}

func clampMinTrades(v *viper.Viper, key string, def int) int {
	raw := v.GetString(key)
	if raw == "" {
		return def
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return 0
	}
	return n
}

func getUintOr(v *viper.Viper, key string, def uint64) uint64 {
	raw := v.GetString(key)
	if raw == "" {
		return def
	}
	n, err := cast.ToUint64E(raw)
	if err != nil {
		return def
	}
	return n
}

func parseBool(raw string) bool {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return raw == "1" || raw == "true"
}
