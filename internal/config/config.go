// Package config loads the static service configuration from the
// environment (with .env support) and the hot-reloadable detector tunables
// from a JSON overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the immutable startup configuration. Anything that can change at
// runtime lives in Tunables instead.
type Config struct {
	// Venue catalog and symbol universe.
	VenuesPath   string
	SpotSymbols  int // top-N by 24h quote volume, 0 disables spot
	PerpSymbols  int
	SymbolsExtra []string // always monitored regardless of rank

	// Stream pool.
	SpotShardSize int
	PerpShardSize int
	ProxyList     string // comma-separated egress proxies, empty = direct

	// Sinks.
	DatabaseURL         string // empty disables the Postgres sink
	RedisAddr           string // empty disables the volume-rank cache
	RedisPassword       string
	TelegramNormalToken string
	TelegramNormalChat  string
	TelegramUrgentToken string
	TelegramUrgentChat  string

	// Servers.
	MetricsAddr string

	// Hot overlay.
	TunablesPath string

	// Logging.
	LogLevel string

	// Supervision. RestartShards selects restart-with-backoff over full
	// shutdown when a shard exhausts its reconnect budget.
	RestartShards bool
	DrainTimeout  time.Duration
}

// Load reads .env if present, then the environment, applies defaults and
// validates. Misconfiguration fails here, not at first use.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using process environment")
	}

	cfg := &Config{
		VenuesPath:          envStr("TW_VENUES_PATH", "config/venues.yaml"),
		SpotSymbols:         envInt("TW_SPOT_SYMBOLS", 500),
		PerpSymbols:         envInt("TW_PERP_SYMBOLS", 100),
		SpotShardSize:       envInt("TW_SPOT_SHARD_SIZE", 100),
		PerpShardSize:       envInt("TW_PERP_SHARD_SIZE", 20),
		ProxyList:           os.Getenv("TW_PROXY_LIST"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		TelegramNormalToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramNormalChat:  os.Getenv("TELEGRAM_CHAT_ID"),
		TelegramUrgentToken: os.Getenv("TELEGRAM_URGENT_BOT_TOKEN"),
		TelegramUrgentChat:  os.Getenv("TELEGRAM_URGENT_CHAT_ID"),
		MetricsAddr:         envStr("TW_METRICS_ADDR", ":9100"),
		TunablesPath:        envStr("TW_TUNABLES_PATH", "config/tunables.json"),
		LogLevel:            envStr("TW_LOG_LEVEL", "info"),
		RestartShards:       envBool("TW_RESTART_SHARDS", true),
		DrainTimeout:        time.Duration(envInt("TW_DRAIN_TIMEOUT_SEC", 5)) * time.Second,
	}
	if extra := os.Getenv("TW_SYMBOLS_EXTRA"); extra != "" {
		for _, s := range strings.Split(extra, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.SymbolsExtra = append(cfg.SymbolsExtra, strings.ToUpper(s))
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required pairings and value ranges.
func (c *Config) Validate() error {
	if c.SpotSymbols <= 0 && c.PerpSymbols <= 0 && len(c.SymbolsExtra) == 0 {
		return fmt.Errorf("no symbols to monitor: set TW_SPOT_SYMBOLS, TW_PERP_SYMBOLS or TW_SYMBOLS_EXTRA")
	}
	if c.SpotShardSize <= 0 || c.PerpShardSize <= 0 {
		return fmt.Errorf("shard sizes must be positive (spot=%d perp=%d)", c.SpotShardSize, c.PerpShardSize)
	}
	if (c.TelegramNormalToken == "") != (c.TelegramNormalChat == "") {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	if (c.TelegramUrgentToken == "") != (c.TelegramUrgentChat == "") {
		return fmt.Errorf("TELEGRAM_URGENT_BOT_TOKEN and TELEGRAM_URGENT_CHAT_ID must be set together")
	}
	if c.TelegramUrgentToken != "" && c.TelegramNormalToken == "" {
		return fmt.Errorf("urgent telegram channel requires the normal channel as fallback")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid TW_LOG_LEVEL %q", c.LogLevel)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("TW_DRAIN_TIMEOUT_SEC must be positive")
	}
	return nil
}

// PushEnabled reports whether any telegram credentials are configured.
func (c *Config) PushEnabled() bool { return c.TelegramNormalToken != "" }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer env value, using default")
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
