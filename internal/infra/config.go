package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"energy_market/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Unmatched-order dispositions at window close.
const (
	ExpiryPolicyExpire      = "expire"
	ExpiryPolicyRollForward = "roll_forward"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		DumpDir string `yaml:"dump_dir"` // halt dumps
	} `yaml:"app"`

	Market     MarketConfig     `yaml:"market"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Settlement SettlementConfig `yaml:"settlement"`
	Ledger     LedgerConfig     `yaml:"ledger"`

	Storage struct {
		Path string `yaml:"path"` // empty: per-user data directory
	} `yaml:"storage"`

	Events EventsConfig `yaml:"events"`

	Metrics struct {
		Addr      string `yaml:"addr"`
		PprofAddr string `yaml:"pprof_addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Dir        string `yaml:"dir"`
	} `yaml:"logging"`
}

// MarketConfig tunes order intake and matching.
type MarketConfig struct {
	MatchIntervalMS     int    `yaml:"match_interval_ms"`
	ExpiryPolicy        string `yaml:"expiry_policy"`
	SelfTradePrevention bool   `yaml:"self_trade_prevention"`
	PriceDecimals       int32  `yaml:"price_decimals"`
	QuantityDecimals    int32  `yaml:"quantity_decimals"`
}

// MatchInterval is the cadence of matching passes in an Active window.
func (c MarketConfig) MatchInterval() time.Duration {
	return time.Duration(c.MatchIntervalMS) * time.Millisecond
}

// SchedulerConfig controls the built-in window scheduler.
type SchedulerConfig struct {
	Enabled   bool `yaml:"enabled"`
	WindowSec int  `yaml:"window_sec"`
}

// WindowLength is the duration of one trading window.
func (c SchedulerConfig) WindowLength() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// SettlementConfig covers fees, the retry budget and the ledger accounts of settlement.
type SettlementConfig struct {
	FeeRate               decimal.Decimal `yaml:"fee_rate"`
	FeeDecimals           int32           `yaml:"fee_decimals"`
	MaxAttempts           int             `yaml:"max_attempts"`
	SubmitIntervalMS      int             `yaml:"submit_interval_ms"`
	SubmitTimeoutMS       int             `yaml:"submit_timeout_ms"`
	ConfirmIntervalMS     int             `yaml:"confirm_interval_ms"`
	ConfirmMaxPolls       int             `yaml:"confirm_max_polls"`
	RetryBaseDelayMS      int             `yaml:"retry_base_delay_ms"`
	SettleCheckIntervalMS int             `yaml:"settle_check_interval_ms"`
	PlatformAccount       string          `yaml:"platform_account"`
	CurrencyAsset         string          `yaml:"currency_asset"`
	EnergyAsset           string          `yaml:"energy_asset"`
	Signer                string          `yaml:"signer"`
}

// LedgerConfig selects the ledger node, or the paper ledger when URL is empty.
type LedgerConfig struct {
	URL              string `yaml:"url"` // empty: in-process paper ledger
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	PaperConfirmAt   int    `yaml:"paper_confirm_after_polls"`
}

// EventsConfig sizes the event bus and names the optional Kafka sink.
type EventsConfig struct {
	Buffer       int      `yaml:"buffer"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Millisecond settings as durations.
func (c SettlementConfig) SubmitInterval() time.Duration      { return ms(c.SubmitIntervalMS) }
func (c SettlementConfig) SubmitTimeout() time.Duration       { return ms(c.SubmitTimeoutMS) }
func (c SettlementConfig) ConfirmInterval() time.Duration     { return ms(c.ConfirmIntervalMS) }
func (c SettlementConfig) RetryBaseDelay() time.Duration      { return ms(c.RetryBaseDelayMS) }
func (c SettlementConfig) SettleCheckInterval() time.Duration { return ms(c.SettleCheckIntervalMS) }
func (c LedgerConfig) RequestTimeout() time.Duration          { return ms(c.RequestTimeoutMS) }

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies environment overrides and defaults, then validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "energy-market"
	}
	if c.App.DumpDir == "" {
		c.App.DumpDir = "dumps"
	}
	if c.Market.MatchIntervalMS == 0 {
		c.Market.MatchIntervalMS = 1000
	}
	if c.Market.ExpiryPolicy == "" {
		c.Market.ExpiryPolicy = ExpiryPolicyExpire
	}
	if c.Market.PriceDecimals == 0 {
		c.Market.PriceDecimals = 6
	}
	if c.Market.QuantityDecimals == 0 {
		c.Market.QuantityDecimals = 3
	}
	if c.Scheduler.WindowSec == 0 {
		c.Scheduler.WindowSec = 900
	}

	s := &c.Settlement
	if s.FeeDecimals == 0 {
		s.FeeDecimals = 6
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	if s.SubmitIntervalMS == 0 {
		s.SubmitIntervalMS = 1000
	}
	if s.SubmitTimeoutMS == 0 {
		s.SubmitTimeoutMS = 10000
	}
	if s.ConfirmIntervalMS == 0 {
		s.ConfirmIntervalMS = 2000
	}
	if s.ConfirmMaxPolls == 0 {
		s.ConfirmMaxPolls = 30
	}
	if s.RetryBaseDelayMS == 0 {
		s.RetryBaseDelayMS = 1000
	}
	if s.SettleCheckIntervalMS == 0 {
		s.SettleCheckIntervalMS = 5000
	}
	if s.PlatformAccount == "" {
		s.PlatformAccount = "platform"
	}
	if s.CurrencyAsset == "" {
		s.CurrencyAsset = "USDC"
	}
	if s.EnergyAsset == "" {
		s.EnergyAsset = "KWH"
	}

	if c.Ledger.RequestTimeoutMS == 0 {
		c.Ledger.RequestTimeoutMS = 5000
	}
	if c.Ledger.PaperConfirmAt == 0 {
		c.Ledger.PaperConfirmAt = 1
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = 4096
	}
	if c.Events.KafkaTopic == "" {
		c.Events.KafkaTopic = "energy-market.events"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
}

func configErr(field, format string, args ...any) error {
	return &domain.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	// Market
	if c.Market.MatchIntervalMS <= 0 {
		return configErr("market.match_interval_ms", "must be positive")
	}
	if c.Market.ExpiryPolicy != ExpiryPolicyExpire && c.Market.ExpiryPolicy != ExpiryPolicyRollForward {
		return configErr("market.expiry_policy", "unknown policy %q", c.Market.ExpiryPolicy)
	}
	if c.Market.PriceDecimals < 0 || c.Market.QuantityDecimals < 0 {
		return configErr("market", "decimal places must not be negative")
	}

	// Scheduler
	if c.Scheduler.WindowSec < 0 {
		return configErr("scheduler.window_sec", "must be positive")
	}

	// Settlement
	s := c.Settlement
	if s.FeeRate.IsNegative() || s.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return configErr("settlement.fee_rate", "must be in [0, 1), got %s", s.FeeRate)
	}
	if s.MaxAttempts < 1 {
		return configErr("settlement.max_attempts", "must be at least 1")
	}
	if s.SubmitIntervalMS <= 0 || s.ConfirmIntervalMS <= 0 || s.SettleCheckIntervalMS <= 0 {
		return configErr("settlement", "intervals must be positive")
	}
	if s.SubmitTimeoutMS <= 0 || s.ConfirmMaxPolls <= 0 || s.RetryBaseDelayMS < 0 {
		return configErr("settlement", "timeouts must be positive")
	}
	if s.PlatformAccount == "" || s.CurrencyAsset == "" || s.EnergyAsset == "" {
		return configErr("settlement", "platform account and assets are required")
	}

	// Ledger
	if c.Ledger.URL != "" && !hasPrefix(c.Ledger.URL, "ws://") && !hasPrefix(c.Ledger.URL, "wss://") {
		return configErr("ledger.url", "invalid ledger WS URL: %s", c.Ledger.URL)
	}
	if c.Ledger.URL != "" && c.Settlement.Signer == "" {
		return configErr("settlement.signer", "a signer is required for a remote ledger")
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("ENERGY_LEDGER_URL"); url != "" {
		cfg.Ledger.URL = url
	}
	if signer := os.Getenv("ENERGY_LEDGER_SIGNER"); signer != "" {
		cfg.Settlement.Signer = signer
	}
	if path := os.Getenv("ENERGY_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if brokers := os.Getenv("ENERGY_KAFKA_BROKERS"); brokers != "" {
		cfg.Events.KafkaBrokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Events.KafkaBrokers = append(cfg.Events.KafkaBrokers, b)
			}
		}
	}
}
