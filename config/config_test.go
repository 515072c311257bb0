package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptodesk/internal/feed"
	"cryptodesk/internal/indicator"
	"cryptodesk/internal/model"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "desk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, "1m", cfg.Interval)
	assert.Equal(t, 5, cfg.Feed.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.Backend.CheckInterval)
	assert.Equal(t, feed.ModeAuto, cfg.FeedOptions().Mode)

	bal, err := cfg.InitialBalance()
	require.NoError(t, err)
	assert.True(t, bal["USDT"].Equal(decimal.NewFromInt(10_000)))

	_, ok := cfg.RedisOptions()
	assert.False(t, ok, "event bus is off without an address")
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeYAML(t, `
symbol: ethusdt
interval: 15m
feed:
  mode: poll
  poll_interval: 2s
  max_reconnects: 3
backend:
  url: http://backend:5000
balance:
  usdt: "500.50"
  eth: "1.25"
indicators:
  buy:
    SMA: {enabled: true, period: 20}
redis:
  addr: redis:6379
`)
	t.Setenv("INTERVAL", "1h")
	t.Setenv("FEED_POLL_INTERVAL", "7s")
	t.Setenv("BACKEND_URL", "http://override:6000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, "1h", cfg.Interval, "env wins over YAML")
	assert.Equal(t, feed.ModePoll, cfg.FeedOptions().Mode)
	assert.Equal(t, 7*time.Second, cfg.Feed.PollInterval)
	assert.Equal(t, 3, cfg.FeedOptions().MaxReconnects)
	assert.Equal(t, "http://override:6000", cfg.BackendOptions().BaseURL)

	bal, err := cfg.InitialBalance()
	require.NoError(t, err)
	assert.True(t, bal["USDT"].Equal(decimal.RequireFromString("500.5")))
	assert.True(t, bal["ETH"].Equal(decimal.RequireFromString("1.25")))

	sma := cfg.Indicators.Buy[indicator.KindSMA]
	assert.Equal(t, indicator.KindSMA, sma.Kind, "kind is filled from the key")
	assert.Equal(t, 20, sma.Period)
	assert.Contains(t, cfg.Indicators.Buy, indicator.KindRSI, "YAML entries overlay the defaults")

	rc, ok := cfg.RedisOptions()
	require.True(t, ok)
	assert.Equal(t, "redis:6379", rc.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"interval": "interval: 2m\n",
		"mode":     "feed: {mode: carrier-pigeon}\n",
		"balance":  "balance: {usdt: \"-1\"}\n",
		"macd":     "indicators: {sell: {MACD: {enabled: true, fastPeriod: 26, slowPeriod: 12, signalPeriod: 9}}}\n",
		"symbol":   "symbol: \"  \"\n",
		"yaml":     "symbol: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrConfig)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_BadEnvNumberKeepsValue(t *testing.T) {
	t.Setenv("FEED_MAX_RECONNECTS", "many")
	t.Setenv("FEED_RECONNECT_DELAY", "-1s")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Feed.MaxReconnects)
	assert.Equal(t, 3*time.Second, cfg.Feed.ReconnectDelay)
}
