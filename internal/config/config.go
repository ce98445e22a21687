package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig    `yaml:"log"`
	State     StateConfig      `yaml:"state"`
	Engine    EngineConfig     `yaml:"engine"`
	Market    MarketConfig     `yaml:"market"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Timescale TimescaleConfig  `yaml:"timescale"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type EngineConfig struct {
	EvalInterval      time.Duration `yaml:"eval_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	Retry             RetryConfig   `yaml:"retry"`
	CandleWindow      int           `yaml:"candle_window"`
}

const (
	MarketSourcePaper   = "paper"
	MarketSourceGateway = "gateway"
)

type MarketConfig struct {
	Source         string        `yaml:"source"`
	WSURL          string        `yaml:"ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

const (
	ExchangeKindPaper   = "paper"
	ExchangeKindGateway = "gateway"
)

type PaperConfig struct {
	SpotBalance    float64 `yaml:"spot_balance"`
	FuturesBalance float64 `yaml:"futures_balance"`
	MarginCapacity float64 `yaml:"margin_capacity"`
	FeeRate        float64 `yaml:"fee_rate"`
	// Random walk quoting, used when market.source is paper.
	Prices        map[string]float64 `yaml:"prices"`
	TickInterval  time.Duration      `yaml:"tick_interval"`
	StepPercent   float64            `yaml:"step_percent"`
	SpreadPercent float64            `yaml:"spread_percent"`
}

type ExchangeConfig struct {
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind"`
	BaseURL      string        `yaml:"base_url"`
	WSURL        string        `yaml:"ws_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	APISecretEnv string        `yaml:"api_secret_env"`
	Paper        PaperConfig   `yaml:"paper"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/tradeguard-bot.db"
	}
	e := &cfg.Engine
	if e.EvalInterval == 0 {
		e.EvalInterval = time.Second
	}
	if e.StaleAfter == 0 {
		e.StaleAfter = 15 * time.Second
	}
	if e.DrainTimeout == 0 {
		e.DrainTimeout = 10 * time.Second
	}
	if e.CallTimeout == 0 {
		e.CallTimeout = 10 * time.Second
	}
	if e.IdempotencyWindow == 0 {
		e.IdempotencyWindow = 60 * time.Second
	}
	if e.Retry.MaxAttempts == 0 {
		e.Retry.MaxAttempts = 5
	}
	if e.Retry.InitialInterval == 0 {
		e.Retry.InitialInterval = 250 * time.Millisecond
	}
	if e.Retry.MaxInterval == 0 {
		e.Retry.MaxInterval = 5 * time.Second
	}
	if e.CandleWindow == 0 {
		e.CandleWindow = 120
	}
	if cfg.Market.Source == "" {
		cfg.Market.Source = MarketSourcePaper
	}
	if cfg.Market.ReconnectDelay == 0 {
		cfg.Market.ReconnectDelay = 3 * time.Second
	}
	if cfg.Market.PingInterval == 0 {
		cfg.Market.PingInterval = 20 * time.Second
	}
	if len(cfg.Exchanges) == 0 {
		cfg.Exchanges = []ExchangeConfig{{Name: "paper", Kind: ExchangeKindPaper}}
	}
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		ex.Name = strings.ToLower(strings.TrimSpace(ex.Name))
		if ex.Kind == "" {
			ex.Kind = ExchangeKindPaper
		}
		if ex.Timeout == 0 {
			ex.Timeout = 10 * time.Second
		}
		if ex.Kind == ExchangeKindGateway {
			if ex.RateLimit == 0 {
				ex.RateLimit = 10
			}
			if ex.RateBurst == 0 {
				ex.RateBurst = 5
			}
			if ex.WSURL == "" && ex.BaseURL != "" {
				ex.WSURL = deriveWSURL(ex.BaseURL)
			}
		}
		if ex.Kind == ExchangeKindPaper && ex.Paper.FuturesBalance == 0 && ex.Paper.SpotBalance == 0 {
			ex.Paper.SpotBalance = 10_000
			ex.Paper.FuturesBalance = 10_000
		}
		if ex.Kind == ExchangeKindPaper && ex.Paper.TickInterval == 0 {
			ex.Paper.TickInterval = time.Second
		}
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func deriveWSURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TRADEGUARD_SQLITE_PATH")); v != "" {
		cfg.State.SQLitePath = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEGUARD_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEGUARD_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEGUARD_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEGUARD_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func validate(cfg *Config) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is invalid", cfg.Log.Level)
	}
	e := cfg.Engine
	if e.EvalInterval < 0 || e.StaleAfter < 0 || e.DrainTimeout < 0 || e.CallTimeout < 0 {
		return errors.New("engine intervals must be >= 0")
	}
	if e.IdempotencyWindow < 0 {
		return errors.New("engine.idempotency_window must be >= 0")
	}
	if e.Retry.MaxAttempts < 1 {
		return errors.New("engine.retry.max_attempts must be >= 1")
	}
	if e.Retry.InitialInterval < 0 || e.Retry.MaxInterval < e.Retry.InitialInterval {
		return errors.New("engine.retry intervals must satisfy 0 <= initial_interval <= max_interval")
	}
	switch cfg.Market.Source {
	case MarketSourcePaper, MarketSourceGateway:
	default:
		return fmt.Errorf("market.source %q is invalid", cfg.Market.Source)
	}
	if cfg.Market.Source == MarketSourceGateway && cfg.Market.WSURL == "" {
		return errors.New("market.ws_url is required for the gateway source")
	}
	seen := make(map[string]struct{}, len(cfg.Exchanges))
	for i, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		if _, dup := seen[ex.Name]; dup {
			return fmt.Errorf("exchanges[%d].name %q is duplicated", i, ex.Name)
		}
		seen[ex.Name] = struct{}{}
		switch ex.Kind {
		case ExchangeKindPaper:
			if ex.Paper.FeeRate < 0 || ex.Paper.SpotBalance < 0 || ex.Paper.FuturesBalance < 0 || ex.Paper.MarginCapacity < 0 {
				return fmt.Errorf("exchanges[%d].paper values must be >= 0", i)
			}
			if ex.Paper.TickInterval < 0 || ex.Paper.StepPercent < 0 || ex.Paper.SpreadPercent < 0 {
				return fmt.Errorf("exchanges[%d].paper walk settings must be >= 0", i)
			}
			for symbol, price := range ex.Paper.Prices {
				if price <= 0 {
					return fmt.Errorf("exchanges[%d].paper.prices[%s] must be > 0", i, symbol)
				}
			}
		case ExchangeKindGateway:
			if ex.BaseURL == "" {
				return fmt.Errorf("exchanges[%d].base_url is required for gateway exchanges", i)
			}
			if ex.RateLimit < 0 || ex.RateBurst < 0 {
				return fmt.Errorf("exchanges[%d] rate limits must be >= 0", i)
			}
		default:
			return fmt.Errorf("exchanges[%d].kind %q is invalid", i, ex.Kind)
		}
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Timescale.QueueSize < 0 {
		return errors.New("timescale.queue_size must be >= 0")
	}
	return nil
}
