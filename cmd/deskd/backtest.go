package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptodesk/internal/journal"
	"cryptodesk/internal/model"
	"cryptodesk/internal/runner"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run one backtest on the strategy backend and print its log",
	Long: `Backtest sends the configured buy/sell indicator sets to the strategy
backend and prints the folded result: profit, trade count, win rate, every
trade and the backend's own log lines.`,
	Example: "  deskd backtest --symbol ETHUSDT --timeframe 1h --days 60",
	RunE:    runBacktest,
}

var (
	btSymbol    string
	btTimeframe string
	btDays      int
)

func init() {
	rootCmd.AddCommand(backtestCmd)
	backtestCmd.Flags().StringVarP(&btSymbol, "symbol", "s", "", "pair to test (default: configured symbol)")
	backtestCmd.Flags().StringVarP(&btTimeframe, "timeframe", "t", "", "candle interval (default: configured interval)")
	backtestCmd.Flags().IntVarP(&btDays, "days", "d", 30, "history length in days (30, 60, 90, 120)")
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig("deskd-backtest")
	if err != nil {
		return err
	}
	if btSymbol == "" {
		btSymbol = cfg.Symbol
	}
	if btTimeframe == "" {
		btTimeframe = cfg.Interval
	}

	out := cmd.OutOrStdout()
	j := journal.New(0)
	j.OnAppend(func(e model.LogEntry) {
		fmt.Fprintf(out, "%s  %-10s %s\n", e.TS.Format("15:04:05"), e.Tag, e.Text)
	})

	r := runner.New(runner.Config{}, runner.NewClient(cfg.BackendOptions()), j)
	_, err = r.RunBacktest(cmd.Context(), runner.Request{
		Symbol:     btSymbol,
		Timeframe:  btTimeframe,
		PeriodDays: btDays,
		Buy:        cfg.Indicators.Buy,
		Sell:       cfg.Indicators.Sell,
	})
	return err
}
