package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigurationError marks settings the engine cannot start without.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Config holds environment-driven settings for the orchestration engine.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Exchange backend
	TradingBackend string `yaml:"trading_backend"` // only "paper" is supported

	// Paper trading
	StartingBalance  float64       `yaml:"starting_balance"`
	PaperStatePath   string        `yaml:"paper_state_path"`
	Slippage         float64       `yaml:"slippage"`         // fraction, 0.01 = 1%
	TriggerSlippage  float64       `yaml:"trigger_slippage"` // fraction applied when TP/SL fires
	FeeRate          float64       `yaml:"fee_rate"`         // fraction of notional
	ChargeFees       bool          `yaml:"charge_fees"`
	PriceCacheTTL    time.Duration `yaml:"price_cache_ttl"`
	BinanceBaseURL   string        `yaml:"binance_base_url"`
	MarketStream     bool          `yaml:"market_stream"`
	BinanceStreamURL string        `yaml:"binance_stream_url"`

	// Scheduler
	Assets             []string      `yaml:"assets"`
	Interval           string        `yaml:"interval"`
	TradingMode        string        `yaml:"trading_mode"` // "auto" or "manual"
	AutoTradeThreshold float64       `yaml:"auto_trade_threshold"`
	MaxPositionSize    float64       `yaml:"max_position_size"`
	SettleDelay        time.Duration `yaml:"settle_delay"`

	// Diary + storage
	DiaryBackend string `yaml:"diary_backend"` // "file" or "sqlite"
	DiaryPath    string `yaml:"diary_path"`
	DBPath       string `yaml:"db_path"`

	// Decision agent
	AgentKind     string        `yaml:"agent_kind"` // "http" or "grpc"
	AgentURL      string        `yaml:"agent_url"`
	AgentAPIKey   string        `yaml:"-"`
	AgentGRPCAddr string        `yaml:"agent_grpc_addr"`
	AgentTimeout  time.Duration `yaml:"agent_timeout"`

	// Control API
	APIPort   string `yaml:"api_port"`
	JWTSecret string `yaml:"-"`

	// Telegram
	TelegramToken  string `yaml:"-"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// Defaults returns the baseline configuration before file and env overrides.
func Defaults() Config {
	return Config{
		LogLevel:           "info",
		TradingBackend:     "paper",
		StartingBalance:    10000.0,
		PaperStatePath:     "./data/paper_trading_state.json",
		Slippage:           0.01,
		TriggerSlippage:    0.005,
		FeeRate:            0.0002,
		PriceCacheTTL:      2 * time.Second,
		BinanceBaseURL:     "https://api.binance.com",
		BinanceStreamURL:   "wss://stream.binance.com:9443/ws",
		Assets:             []string{"BTC", "ETH", "SOL"},
		Interval:           "5m",
		TradingMode:        "auto",
		AutoTradeThreshold: 80,
		MaxPositionSize:    1000,
		SettleDelay:        time.Second,
		DiaryBackend:       "file",
		DiaryPath:          "./data/diary.jsonl",
		DBPath:             "./data/perp_agent.db",
		AgentKind:          "http",
		AgentTimeout:       30 * time.Second,
		APIPort:            "8080",
	}
}

// Load reads an optional YAML file and then environment variables (optionally via .env).
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Defaults()
	if err := loadFile(getEnv("CONFIG_FILE", "./config.yaml"), &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	cfg.AutoTradeThreshold = NormalizeConfidence(cfg.AutoTradeThreshold)
	return &cfg, nil
}

// loadFile overlays YAML values onto cfg. A missing file is not an error.
func loadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = getEnvBool("LOG_JSON", cfg.LogJSON)
	cfg.TradingBackend = strings.ToLower(getEnv("TRADING_BACKEND", cfg.TradingBackend))

	cfg.StartingBalance = getEnvFloat("PAPER_TRADING_STARTING_BALANCE", cfg.StartingBalance)
	cfg.PaperStatePath = getEnv("PAPER_STATE_PATH", cfg.PaperStatePath)
	cfg.Slippage = getEnvFloat("PAPER_SLIPPAGE", cfg.Slippage)
	cfg.TriggerSlippage = getEnvFloat("PAPER_TRIGGER_SLIPPAGE", cfg.TriggerSlippage)
	cfg.FeeRate = getEnvFloat("PAPER_FEE_RATE", cfg.FeeRate)
	cfg.ChargeFees = getEnvBool("PAPER_CHARGE_FEES", cfg.ChargeFees)
	cfg.PriceCacheTTL = getEnvDuration("PRICE_CACHE_TTL", cfg.PriceCacheTTL)
	cfg.BinanceBaseURL = getEnv("BINANCE_BASE_URL", cfg.BinanceBaseURL)
	cfg.MarketStream = getEnvBool("MARKET_STREAM", cfg.MarketStream)
	cfg.BinanceStreamURL = getEnv("BINANCE_STREAM_URL", cfg.BinanceStreamURL)

	if v := os.Getenv("ASSETS"); v != "" {
		cfg.Assets = splitAndTrim(strings.ToUpper(v))
	}
	cfg.Interval = getEnv("INTERVAL", cfg.Interval)
	cfg.TradingMode = strings.ToLower(getEnv("TRADING_MODE", cfg.TradingMode))
	cfg.AutoTradeThreshold = getEnvFloat("AUTO_TRADE_THRESHOLD", cfg.AutoTradeThreshold)
	cfg.MaxPositionSize = getEnvFloat("MAX_POSITION_SIZE", cfg.MaxPositionSize)
	cfg.SettleDelay = getEnvDuration("SETTLE_DELAY", cfg.SettleDelay)

	cfg.DiaryBackend = strings.ToLower(getEnv("DIARY_BACKEND", cfg.DiaryBackend))
	cfg.DiaryPath = getEnv("DIARY_PATH", cfg.DiaryPath)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)

	cfg.AgentKind = strings.ToLower(getEnv("AGENT_KIND", cfg.AgentKind))
	cfg.AgentURL = getEnv("AGENT_URL", cfg.AgentURL)
	cfg.AgentAPIKey = getEnv("AGENT_API_KEY", cfg.AgentAPIKey)
	cfg.AgentGRPCAddr = getEnv("AGENT_GRPC_ADDR", cfg.AgentGRPCAddr)
	cfg.AgentTimeout = getEnvDuration("AGENT_TIMEOUT", cfg.AgentTimeout)

	cfg.APIPort = getEnv("API_PORT", cfg.APIPort)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.TelegramToken)
	cfg.TelegramChatID = getEnvInt64("TELEGRAM_CHAT_ID", cfg.TelegramChatID)
}

// Validate rejects configurations the engine must refuse to start with.
func (c *Config) Validate() error {
	if c.TradingBackend != "paper" {
		return &ConfigurationError{Field: "TRADING_BACKEND", Reason: fmt.Sprintf("unsupported backend %q", c.TradingBackend)}
	}
	if c.StartingBalance <= 0 {
		return &ConfigurationError{Field: "PAPER_TRADING_STARTING_BALANCE", Reason: "must be positive"}
	}
	if len(c.Assets) == 0 {
		return &ConfigurationError{Field: "ASSETS", Reason: "at least one asset is required"}
	}
	if c.TradingMode != "auto" && c.TradingMode != "manual" {
		return &ConfigurationError{Field: "TRADING_MODE", Reason: fmt.Sprintf("unknown mode %q", c.TradingMode)}
	}
	if c.DiaryBackend != "file" && c.DiaryBackend != "sqlite" {
		return &ConfigurationError{Field: "DIARY_BACKEND", Reason: fmt.Sprintf("unknown backend %q", c.DiaryBackend)}
	}
	switch c.AgentKind {
	case "http":
		if c.AgentURL == "" {
			return &ConfigurationError{Field: "AGENT_URL", Reason: "required for the http decision agent"}
		}
	case "grpc":
		if c.AgentGRPCAddr == "" {
			return &ConfigurationError{Field: "AGENT_GRPC_ADDR", Reason: "required for the grpc decision agent"}
		}
	default:
		return &ConfigurationError{Field: "AGENT_KIND", Reason: fmt.Sprintf("unknown agent %q", c.AgentKind)}
	}
	return nil
}

// TelegramEnabled reports whether both bot token and chat id are present.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// NormalizeConfidence maps fractional inputs onto the 0..100 scale. Only
// values strictly between 0 and 1 are fractions; 1 itself means 1 out of 100.
func NormalizeConfidence(v float64) float64 {
	if v > 0 && v < 1 {
		v *= 100
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
