// Package config loads desk settings. A .env file is loaded first when
// present, then an optional YAML file, then environment variables override
// individual fields.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cryptodesk/internal/eventbus"
	"cryptodesk/internal/feed"
	"cryptodesk/internal/indicator"
	"cryptodesk/internal/ledger"
	"cryptodesk/internal/model"
	"cryptodesk/internal/runner"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`
	// Capacity bounds the candle window.
	Capacity         int `yaml:"capacity"`
	JournalRetention int `yaml:"journal_retention"`

	Feed    FeedConfig    `yaml:"feed"`
	Backend BackendConfig `yaml:"backend"`
	Redis   RedisConfig   `yaml:"redis"`
	Notify  NotifyConfig  `yaml:"notify"`

	// Balance is the starting paper balance, asset → decimal string. Empty
	// means ledger.DefaultBalance.
	Balance    map[string]string `yaml:"balance"`
	Indicators IndicatorConfig   `yaml:"indicators"`
}

type FeedConfig struct {
	StreamURL      string        `yaml:"stream_url"`
	RESTURL        string        `yaml:"rest_url"`
	Mode           string        `yaml:"mode"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Limit          int           `yaml:"limit"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type BackendConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// RedisConfig enables the event bus when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

type IndicatorConfig struct {
	Buy  indicator.ConfigSet `yaml:"buy"`
	Sell indicator.ConfigSet `yaml:"sell"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		HTTPAddr:         ":8080",
		MetricsAddr:      ":9090",
		Symbol:           "BTCUSDT",
		Interval:         "1m",
		Capacity:         500,
		JournalRetention: 2000,
		Feed: FeedConfig{
			StreamURL:      "wss://stream.binance.com:9443",
			RESTURL:        "https://api.binance.com",
			Mode:           string(feed.ModeAuto),
			ReconnectDelay: 3 * time.Second,
			MaxReconnects:  5,
			PollInterval:   5 * time.Second,
			Limit:          70,
			ReadTimeout:    90 * time.Second,
		},
		Backend: BackendConfig{
			URL:           "http://localhost:5000",
			Timeout:       15 * time.Second,
			CheckInterval: 5 * time.Second,
		},
		Indicators: IndicatorConfig{
			Buy:  indicator.DefaultBuy(),
			Sell: indicator.DefaultSell(),
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env is not
// an error, a missing YAML file is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn(".env not loaded", slog.String("component", "config"), slog.String("error", err.Error()))
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w: %w", path, model.ErrConfig, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.Symbol = getEnv("SYMBOL", c.Symbol)
	c.Interval = getEnv("INTERVAL", c.Interval)
	c.Capacity = getEnvInt("CANDLE_CAPACITY", c.Capacity)

	c.Feed.StreamURL = getEnv("FEED_STREAM_URL", c.Feed.StreamURL)
	c.Feed.RESTURL = getEnv("FEED_REST_URL", c.Feed.RESTURL)
	c.Feed.Mode = getEnv("FEED_MODE", c.Feed.Mode)
	c.Feed.MaxReconnects = getEnvInt("FEED_MAX_RECONNECTS", c.Feed.MaxReconnects)
	c.Feed.ReconnectDelay = getEnvDuration("FEED_RECONNECT_DELAY", c.Feed.ReconnectDelay)
	c.Feed.PollInterval = getEnvDuration("FEED_POLL_INTERVAL", c.Feed.PollInterval)

	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.Timeout = getEnvDuration("BACKEND_TIMEOUT", c.Backend.Timeout)
	c.Backend.CheckInterval = getEnvDuration("LIVETEST_CHECK_INTERVAL", c.Backend.CheckInterval)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Notify.WebhookURL = getEnv("WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
}

// Validate checks every field that a component would otherwise reject at
// runtime. Errors wrap model.ErrConfig.
func (c *Config) Validate() error {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" {
		return fmt.Errorf("config: %w: symbol is required", model.ErrConfig)
	}
	if !feed.Intervals[c.Interval] {
		return fmt.Errorf("config: %w: unsupported interval %q", model.ErrConfig, c.Interval)
	}
	switch feed.Mode(c.Feed.Mode) {
	case feed.ModeStream, feed.ModePoll, feed.ModeAuto:
	default:
		return fmt.Errorf("config: %w: feed mode %q", model.ErrConfig, c.Feed.Mode)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("config: %w: capacity must be positive", model.ErrConfig)
	}
	if _, err := c.InitialBalance(); err != nil {
		return err
	}
	c.Indicators.Buy = c.Indicators.Buy.Normalize()
	c.Indicators.Sell = c.Indicators.Sell.Normalize()
	if err := c.Indicators.Buy.Validate(); err != nil {
		return fmt.Errorf("config: buy indicators: %w", err)
	}
	if err := c.Indicators.Sell.Validate(); err != nil {
		return fmt.Errorf("config: sell indicators: %w", err)
	}
	return nil
}

// InitialBalance parses Balance.
func (c *Config) InitialBalance() (ledger.Balance, error) {
	if len(c.Balance) == 0 {
		return ledger.DefaultBalance(), nil
	}
	out := make(ledger.Balance, len(c.Balance))
	for asset, v := range c.Balance {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil || d.IsNegative() {
			return nil, fmt.Errorf("config: %w: balance %s=%q", model.ErrConfig, asset, v)
		}
		out[strings.ToUpper(asset)] = d
	}
	return out, nil
}

// FeedOptions converts the feed section for feed.New.
func (c *Config) FeedOptions() feed.Config {
	return feed.Config{
		StreamURL:      c.Feed.StreamURL,
		RESTURL:        c.Feed.RESTURL,
		Mode:           feed.Mode(c.Feed.Mode),
		ReconnectDelay: c.Feed.ReconnectDelay,
		MaxReconnects:  c.Feed.MaxReconnects,
		PollInterval:   c.Feed.PollInterval,
		Limit:          c.Feed.Limit,
		ReadTimeout:    c.Feed.ReadTimeout,
	}
}

// BackendOptions converts the backend section for runner.NewClient.
func (c *Config) BackendOptions() runner.ClientConfig {
	return runner.ClientConfig{BaseURL: c.Backend.URL, Timeout: c.Backend.Timeout}
}

// RedisOptions converts the redis section. ok is false when the event bus
// is disabled.
func (c *Config) RedisOptions() (cfg eventbus.RedisConfig, ok bool) {
	if c.Redis.Addr == "" {
		return eventbus.RedisConfig{}, false
	}
	return eventbus.RedisConfig{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB}, true
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("skipping invalid env value", slog.String("component", "config"), slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("skipping invalid env value", slog.String("component", "config"), slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return d
}
