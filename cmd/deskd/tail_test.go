package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cryptodesk/internal/eventbus"
)

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		channel string
		payload string
		want    string
	}{
		{eventbus.ChannelLog, `{"tag":"TRADE_BUY","source":"ledger","text":"BUY 0.002 BTC"}`, "TRADE_BUY  ledger     BUY 0.002 BTC"},
		{eventbus.ChannelRun, `{"state":"RUNNING","symbol":"BTCUSDT","checks":3}`, "run        RUNNING    BTCUSDT checks=3"},
		{eventbus.ChannelPrice, `{"symbol":"BTCUSDT","price":"50000.1"}`, "price      BTCUSDT 50000.1"},
		{"other", `{}`, "other {}"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatEvent(tc.channel, []byte(tc.payload)), tc.channel)
	}
}
