// Command feedsim is a Binance-shaped market data simulator.
// Serves combined/raw kline+trade streams and /api/v3/klines so deskd can run
// without exchange connectivity (point FEED_STREAM_URL/FEED_REST_URL at it).
//
// Config (env vars):
//
//	FEEDSIM_ADDR         listen address (default ":9001")
//	FEEDSIM_PRICES       comma-separated SYMBOL:PRICE pairs (default built-in pairs)
//	FEEDSIM_INTERVAL     candle width (default "1m")
//	FEEDSIM_TICK_MS      trade interval in milliseconds (default 500)
//	LOG_LEVEL            slog level (default "info")
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptodesk/internal/feedsim"
	"cryptodesk/internal/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.Init("feedsim", logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	tick := time.Duration(envIntOrDefault("FEEDSIM_TICK_MS", 500)) * time.Millisecond

	sim, err := feedsim.New(feedsim.Config{
		Prices:   parsePrices(os.Getenv("FEEDSIM_PRICES")),
		Interval: envOrDefault("FEEDSIM_INTERVAL", "1m"),
	}, time.Now())
	if err != nil {
		log.Error("feedsim config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	stop := make(chan struct{})
	go sim.Run(tick, stop)

	srv := &http.Server{Addr: addr, Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("feedsim listening", slog.String("addr", addr), slog.Duration("tick", tick))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("feedsim server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("feedsim stopped")
}

// parsePrices reads SYMBOL:PRICE pairs; invalid pairs are skipped.
func parsePrices(s string) map[string]float64 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		seg := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(seg) != 2 {
			slog.Warn("skipping invalid price pair", slog.String("pair", part))
			continue
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || p <= 0 {
			slog.Warn("skipping invalid price pair", slog.String("pair", part))
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(seg[0]))] = p
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
