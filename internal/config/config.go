// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRADER_* environment variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Redis    RedisConfig    `toml:"redis"`
	Archive  ArchiveConfig  `toml:"archive"`
	Risk     RiskConfig     `toml:"risk"`
	Trading  TradingConfig  `toml:"trading"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`

	// path is the file this configuration was loaded from, kept for
	// operator-triggered reloads.
	path string
}

// Path returns the file this configuration was loaded from. Empty for a
// Config built from Defaults() directly.
func (c *Config) Path() string {
	return c.path
}

// ExchangeConfig holds bitFlyer API endpoints and credentials.
type ExchangeConfig struct {
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
	WsURL     string `toml:"ws_url"`
	// Paper routes orders to the in-process simulator instead of the real
	// exchange.
	Paper bool `toml:"paper"`
	// SubmitTimeout bounds one order submission; expiry without a
	// definitive answer is treated as ambiguous, never as failed.
	SubmitTimeout duration `toml:"submit_timeout"`
	MaxRetries    int      `toml:"max_retries"`
	RetryBase     duration `toml:"retry_base"`
}

// LedgerConfig holds the embedded database parameters.
type LedgerConfig struct {
	Path string `toml:"path"`
	// CheckpointInterval is how often the WAL is checkpointed; zero
	// disables periodic checkpoints.
	CheckpointInterval duration `toml:"checkpoint_interval"`
}

// RedisConfig holds Redis connection parameters for the price cache,
// decision stream, and control channel.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	DecisionChannel string `toml:"decision_channel"`
	ControlChannel  string `toml:"control_channel"`
}

// ArchiveConfig holds S3-compatible object storage parameters for the
// closed-trade archive consumed by the reporting collaborator.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Prefix         string   `toml:"prefix"`
	Interval       duration `toml:"interval"`
}

// ProfitStage is one staged take-profit level: at ThresholdPct unrealized
// P&L, close Fraction of the entry quantity.
type ProfitStage struct {
	ThresholdPct float64 `toml:"threshold_pct"`
	Fraction     float64 `toml:"fraction"`
}

// RiskConfig holds the risk thresholds evaluated each cycle. All values are
// external configuration; the engine never mutates them except via an
// explicit reload.
type RiskConfig struct {
	StopLossPct          float64       `toml:"stop_loss_pct"`
	ProfitStages         []ProfitStage `toml:"profit_stages"`
	MaxDrawdownPct       float64       `toml:"max_drawdown_pct"`
	ConsecutiveLossLimit int           `toml:"consecutive_loss_limit"`
	DrawdownWindow       duration      `toml:"drawdown_window"`
	MinConfidence        float64       `toml:"min_confidence"`
	MaxPositionFraction  float64       `toml:"max_position_fraction"`
	RiskPerTradePct      float64       `toml:"risk_per_trade_pct"`
	FeeRate              float64       `toml:"fee_rate"`
}

// TradingConfig holds instrument enablement and cycle parameters.
type TradingConfig struct {
	// Instruments lists the symbols enabled for automated trading.
	Instruments []string `toml:"instruments"`
	// SinglePositionPerInstrument rejects a new entry while a position on
	// the same instrument is open.
	SinglePositionPerInstrument bool     `toml:"single_position_per_instrument"`
	EvalInterval                duration `toml:"eval_interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values. The
// risk numbers mirror the strategy requirements: -10% stop loss, +15%/50%
// and +25%/remainder take-profit stages, 20% max drawdown, halt after 5
// consecutive losing closes.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:       "https://api.bitflyer.com",
			WsURL:         "wss://ws.lightstream.bitflyer.com/json-rpc",
			Paper:         true,
			SubmitTimeout: duration{15 * time.Second},
			MaxRetries:    4,
			RetryBase:     duration{2 * time.Second},
		},
		Ledger: LedgerConfig{
			Path:               "data/trader.db",
			CheckpointInterval: duration{5 * time.Minute},
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			DB:              0,
			PoolSize:        10,
			MaxRetries:      3,
			DecisionChannel: "trader:decisions",
			ControlChannel:  "trader:control",
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "ap-northeast-1",
			Bucket:         "trader-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			Prefix:         "archive",
			Interval:       duration{24 * time.Hour},
		},
		Risk: RiskConfig{
			StopLossPct: 10.0,
			ProfitStages: []ProfitStage{
				{ThresholdPct: 15.0, Fraction: 0.5},
				{ThresholdPct: 25.0, Fraction: 1.0},
			},
			MaxDrawdownPct:       20.0,
			ConsecutiveLossLimit: 5,
			DrawdownWindow:       duration{7 * 24 * time.Hour},
			MinConfidence:        0.6,
			MaxPositionFraction:  0.95,
			RiskPerTradePct:      2.0,
			FeeRate:              0.0015,
		},
		Trading: TradingConfig{
			Instruments:                 []string{"BTC_JPY", "ETH_JPY"},
			SinglePositionPerInstrument: true,
			EvalInterval:                duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				"position_opened", "position_closed", "pair_compensated",
				"pair_manual_review", "halted", "reconciliation_alert",
			},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange — credentials only matter for live trading.
	if !c.Exchange.Paper {
		if c.Exchange.ApiKey == "" || c.Exchange.ApiSecret == "" {
			errs = append(errs, "exchange: api_key and api_secret are required when paper = false")
		}
	}
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "exchange: submit_timeout must be > 0")
	}
	if c.Exchange.MaxRetries < 1 {
		errs = append(errs, "exchange: max_retries must be >= 1")
	}

	// Ledger
	if c.Ledger.Path == "" {
		errs = append(errs, "ledger: path must not be empty")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.DecisionChannel == "" {
		errs = append(errs, "redis: decision_channel must not be empty")
	}
	if c.Redis.ControlChannel == "" {
		errs = append(errs, "redis: control_channel must not be empty")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive: endpoint must not be empty when enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
	}

	// Risk
	if c.Risk.StopLossPct <= 0 {
		errs = append(errs, "risk: stop_loss_pct must be > 0")
	}
	if len(c.Risk.ProfitStages) == 0 {
		errs = append(errs, "risk: at least one profit stage is required")
	}
	prev := 0.0
	for i, st := range c.Risk.ProfitStages {
		if st.ThresholdPct <= prev {
			errs = append(errs, fmt.Sprintf("risk: profit_stages[%d].threshold_pct must increase", i))
		}
		if st.Fraction <= 0 || st.Fraction > 1 {
			errs = append(errs, fmt.Sprintf("risk: profit_stages[%d].fraction must be in (0, 1]", i))
		}
		prev = st.ThresholdPct
	}
	if n := len(c.Risk.ProfitStages); n > 0 && c.Risk.ProfitStages[n-1].Fraction != 1 {
		errs = append(errs, "risk: final profit stage must close the full remainder (fraction = 1)")
	}
	if c.Risk.MaxDrawdownPct <= 0 {
		errs = append(errs, "risk: max_drawdown_pct must be > 0")
	}
	if c.Risk.ConsecutiveLossLimit < 1 {
		errs = append(errs, "risk: consecutive_loss_limit must be >= 1")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		errs = append(errs, "risk: min_confidence must be in [0, 1]")
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		errs = append(errs, "risk: max_position_fraction must be in (0, 1]")
	}
	if c.Risk.FeeRate < 0 {
		errs = append(errs, "risk: fee_rate must be >= 0")
	}

	// Trading
	if len(c.Trading.Instruments) == 0 {
		errs = append(errs, "trading: at least one instrument must be enabled")
	}
	if c.Trading.EvalInterval.Duration <= 0 {
		errs = append(errs, "trading: eval_interval must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
