package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"cryptodesk/internal/eventbus"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a running desk's events on the Redis bus",
	Long: `Tail subscribes to the desk's Redis channels and prints one line per
event. It needs redis.addr (or REDIS_ADDR) pointing at the same server the
desk publishes to.`,
	RunE: runTail,
}

var tailChannels []string

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringSliceVar(&tailChannels, "channels",
		[]string{eventbus.ChannelLog, eventbus.ChannelRun},
		"channels to follow")
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig("deskd-tail")
	if err != nil {
		return err
	}
	rc, ok := cfg.RedisOptions()
	if !ok {
		return errors.New("tail: redis address is not configured")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := eventbus.NewRedis(ctx, rc)
	if err != nil {
		return err
	}
	defer pub.Close()

	out := cmd.OutOrStdout()
	err = pub.Subscribe(ctx, func(channel string, payload []byte) {
		fmt.Fprintln(out, formatEvent(channel, payload))
	}, tailChannels...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// formatEvent renders one bus payload as a terminal line.
func formatEvent(channel string, payload []byte) string {
	switch channel {
	case eventbus.ChannelLog:
		r := gjson.GetManyBytes(payload, "tag", "source", "text")
		return fmt.Sprintf("%-10s %-10s %s", r[0].String(), r[1].String(), r[2].String())
	case eventbus.ChannelRun:
		r := gjson.GetManyBytes(payload, "state", "symbol", "checks")
		return fmt.Sprintf("run        %-10s %s checks=%d", r[0].String(), r[1].String(), r[2].Int())
	case eventbus.ChannelPrice:
		r := gjson.GetManyBytes(payload, "symbol", "price")
		return fmt.Sprintf("price      %s %s", r[0].String(), r[1].String())
	default:
		return channel + " " + string(payload)
	}
}
