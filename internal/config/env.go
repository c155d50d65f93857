package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STAKEHOLD_"

// applyEnv overlays STAKEHOLD_* variables on cfg. Malformed numbers are
// errors rather than silently ignored.
func applyEnv(cfg *Config) error {
	envStr("OWNER", &cfg.Owner)
	envStr("LISTEN", &cfg.Listen)
	envStr("API_TOKEN", &cfg.APIToken)

	envStr("STORE_BACKEND", &cfg.Store.Backend)
	envStr("STORE_PATH", &cfg.Store.Path)
	envStr("REDIS_ADDR", &cfg.Store.RedisAddr)
	if err := envInt("REDIS_DB", &cfg.Store.RedisDB); err != nil {
		return err
	}

	envStr("LEDGER_BACKEND", &cfg.Ledger.Backend)
	envStr("LEDGER_URL", &cfg.Ledger.URL)
	envStr("LEDGER_NETWORK", &cfg.Ledger.Network)
	if err := envDuration("LEDGER_TIMEOUT", &cfg.Ledger.Timeout); err != nil {
		return err
	}

	if err := envInt("FREE_SESSIONS_PER_DAY", &cfg.Engine.FreeSessionsPerDay); err != nil {
		return err
	}
	envStr("NOTIFY_REDIS_ADDR", &cfg.Notify.RedisAddr)
	envStr("NOTIFY_REDIS_CHANNEL", &cfg.Notify.RedisChannel)
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = i
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}
