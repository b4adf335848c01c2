package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.path = path

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.ApiKey, "TRADER_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "TRADER_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.BaseURL, "TRADER_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsURL, "TRADER_EXCHANGE_WS_URL")
	setBool(&cfg.Exchange.Paper, "TRADER_EXCHANGE_PAPER")
	setDuration(&cfg.Exchange.SubmitTimeout, "TRADER_EXCHANGE_SUBMIT_TIMEOUT")
	setInt(&cfg.Exchange.MaxRetries, "TRADER_EXCHANGE_MAX_RETRIES")

	// ── Ledger ──
	setStr(&cfg.Ledger.Path, "TRADER_LEDGER_PATH")
	setDuration(&cfg.Ledger.CheckpointInterval, "TRADER_LEDGER_CHECKPOINT_INTERVAL")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.DecisionChannel, "TRADER_REDIS_DECISION_CHANNEL")
	setStr(&cfg.Redis.ControlChannel, "TRADER_REDIS_CONTROL_CHANNEL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRADER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "TRADER_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "TRADER_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "TRADER_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "TRADER_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "TRADER_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "TRADER_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "TRADER_ARCHIVE_FORCE_PATH_STYLE")
	setStr(&cfg.Archive.Prefix, "TRADER_ARCHIVE_PREFIX")
	setDuration(&cfg.Archive.Interval, "TRADER_ARCHIVE_INTERVAL")

	// ── Risk ──
	setFloat64(&cfg.Risk.StopLossPct, "TRADER_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "TRADER_RISK_MAX_DRAWDOWN_PCT")
	setInt(&cfg.Risk.ConsecutiveLossLimit, "TRADER_RISK_CONSECUTIVE_LOSS_LIMIT")
	setDuration(&cfg.Risk.DrawdownWindow, "TRADER_RISK_DRAWDOWN_WINDOW")
	setFloat64(&cfg.Risk.MinConfidence, "TRADER_RISK_MIN_CONFIDENCE")
	setFloat64(&cfg.Risk.MaxPositionFraction, "TRADER_RISK_MAX_POSITION_FRACTION")
	setFloat64(&cfg.Risk.RiskPerTradePct, "TRADER_RISK_PER_TRADE_PCT")
	setFloat64(&cfg.Risk.FeeRate, "TRADER_RISK_FEE_RATE")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Instruments, "TRADER_TRADING_INSTRUMENTS")
	setBool(&cfg.Trading.SinglePositionPerInstrument, "TRADER_TRADING_SINGLE_POSITION_PER_INSTRUMENT")
	setDuration(&cfg.Trading.EvalInterval, "TRADER_TRADING_EVAL_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "TRADER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
