package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"cryptodesk/config"
	"cryptodesk/internal/eventbus"
	"cryptodesk/internal/gateway"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
	"cryptodesk/internal/notification"
	"cryptodesk/internal/runner"
	"cryptodesk/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the desk with its HTTP/WebSocket gateway",
	Example: `  deskd serve
  SYMBOL=ETHUSDT FEED_STREAM_URL=ws://localhost:9001 FEED_REST_URL=http://localhost:9001 deskd serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig("deskd")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	balance, err := cfg.InitialBalance()
	if err != nil {
		return err
	}

	health := metrics.NewHealthStatus()
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var (
		pub   model.Publisher
		redis *eventbus.RedisPublisher
	)
	if rc, ok := cfg.RedisOptions(); ok {
		redis, err = eventbus.NewRedis(ctx, rc)
		if err != nil {
			// the desk runs without the bus; the health probe reports it
			log.Warn("event bus disabled", slog.String("error", err.Error()))
		} else {
			pub = redis
		}
	}

	sess, err := session.New(session.Config{
		Symbol:           cfg.Symbol,
		Interval:         cfg.Interval,
		Capacity:         cfg.Capacity,
		JournalRetention: cfg.JournalRetention,
		InitialBalance:   balance,
		Buy:              cfg.Indicators.Buy,
		Sell:             cfg.Indicators.Sell,
		Feed:             cfg.FeedOptions(),
		Runner:           runner.Config{CheckInterval: cfg.Backend.CheckInterval},
	}, session.Deps{
		Backend:   runner.NewClient(cfg.BackendOptions()),
		Publisher: pub,
		Notifier:  notifierFor(cfg),
		Metrics:   m,
		Health:    health,
	})
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	if redis != nil {
		sess.StartLiveness(redis, 10*time.Second)
	}

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, prometheus.DefaultGatherer)
	metricsSrv.Start()

	api := gateway.NewServer(sess, sess.Hub())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("gateway failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if cerr := sess.Close(); cerr != nil {
		log.Warn("session close", slog.String("error", cerr.Error()))
	}
	metricsSrv.Stop(shutdownCtx)
	return err
}

// notifierFor builds the alert fan-out from the notify section. It returns
// nil when no channel is configured.
func notifierFor(cfg *config.Config) notification.Notifier {
	var out notification.Multi
	if cfg.Notify.WebhookURL != "" {
		out = append(out, notification.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		out = append(out, notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if len(out) == 0 {
		return nil
	}
	return append(out, notification.NewLogNotifier())
}
