package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"cryptodesk/config"
	"cryptodesk/internal/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "deskd",
	Short: "Crypto paper-trading desk",
	Long: `deskd streams Binance-style market data into a bounded candle window,
keeps buy/sell indicator sets up to date, applies paper trades to a
multi-asset balance and drives backtest and live-test runs against an
external strategy backend.

Settings come from .env, an optional YAML file (--config) and environment
variables, in that order.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
}

// loadConfig loads settings and installs the process logger.
func loadConfig(service string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Init(service, logger.ParseLevel(cfg.LogLevel)), nil
}
