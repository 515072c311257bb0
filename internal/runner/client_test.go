package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptodesk/internal/indicator"
	"cryptodesk/internal/model"
)

func backendServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestClient_BacktestSendsEnabledOnly(t *testing.T) {
	var body map[string]json.RawMessage
	c := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/backtest", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &body))
		_, _ = io.WriteString(w, `{"success":true,"profit":-12.5,"winRate":40,
			"trades":[{"type":"buy","price":"50000","time":"2024-05-01"},{"side":"sell","price":49000,"profit":-12.5}],
			"logs":["start","", "done"]}`)
	})

	buy := indicator.DefaultBuy()
	rsi := buy[indicator.KindRSI]
	rsi.Enabled = false
	buy[indicator.KindRSI] = rsi

	var observed []string
	c.Observe = func(op string, _ time.Duration, err error) {
		observed = append(observed, op)
		assert.NoError(t, err)
	}

	res, err := c.Backtest(context.Background(), Request{Symbol: "BTCUSDT", Timeframe: "1h", PeriodDays: 30, Buy: buy, Sell: indicator.DefaultSell()})
	require.NoError(t, err)

	assert.Equal(t, -12.5, res.Profit)
	assert.Equal(t, 2, res.TradeCount)
	require.NotNil(t, res.WinRate)
	assert.Equal(t, 40.0, *res.WinRate)
	assert.Equal(t, "buy", res.Trades[0].Side)
	assert.Equal(t, "2024-05-01", res.Trades[0].Time)
	assert.Equal(t, []string{"start", "done"}, res.Logs)
	assert.Equal(t, []string{OpBacktest}, observed)

	assert.JSONEq(t, `"BTCUSDT"`, string(body["symbol"]))
	assert.JSONEq(t, `30`, string(body["period"]))
	var sentBuy map[string]any
	require.NoError(t, json.Unmarshal(body["buyIndicators"], &sentBuy))
	assert.NotContains(t, sentBuy, "RSI")
	assert.Contains(t, sentBuy, "MACD")
}

func TestClient_BacktestTradeCount(t *testing.T) {
	c := backendServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"profit":10,"trades":7}`)
	})
	res, err := c.Backtest(context.Background(), Request{Symbol: "X", Timeframe: "1h", PeriodDays: 1})
	require.NoError(t, err)
	assert.Equal(t, 7, res.TradeCount)
	assert.Nil(t, res.WinRate)
}

func TestClient_Failures(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		want   string
	}{
		"success false":  {http.StatusOK, `{"success":false,"error":"insufficient history"}`, "insufficient history"},
		"http error":     {http.StatusInternalServerError, `{"error":"boom"}`, "status 500: boom"},
		"not json":       {http.StatusOK, `<html>`, "decode response"},
		"missing profit": {http.StatusOK, `{"success":true}`, "missing profit"},
		"no success":     {http.StatusOK, `{"profit":10,"trades":7}`, "missing success flag"},
		"success string": {http.StatusOK, `{"success":"yes","profit":10}`, "missing success flag"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := backendServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := c.Backtest(context.Background(), Request{Symbol: "X", Timeframe: "1h", PeriodDays: 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrBackend)

			var be *model.BackendError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, OpBacktest, be.Op)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestClient_TransportFailure(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := c.StartLiveTest(context.Background(), Request{Symbol: "X", Timeframe: "1m"})
	assert.ErrorIs(t, err, model.ErrBackend)
}

func TestClient_StartAndCheck(t *testing.T) {
	c := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/livetest/start":
			_, _ = io.WriteString(w, `{"success":true,"message":"Live test started for ETHUSDT"}`)
		case "/api/livetest/check":
			assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
			_, _ = io.WriteString(w, `{"success":true,"tradeExecuted":true,"tradeType":"sell","message":"sold",
				"indicatorValues":{"RSI":71.2,"MACD":-3.1,"note":"x"}}`)
		default:
			http.NotFound(w, r)
		}
	})

	st, err := c.StartLiveTest(context.Background(), Request{Symbol: "ETHUSDT", Timeframe: "1m"})
	require.NoError(t, err)
	assert.Equal(t, "Live test started for ETHUSDT", st.Message)

	ck, err := c.CheckLiveTest(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, ck.TradeExecuted)
	assert.Equal(t, "SELL", ck.Side)
	assert.Equal(t, map[string]float64{"RSI": 71.2, "MACD": -3.1}, ck.IndicatorValues)
	assert.Equal(t, "indicators: MACD=-3.1000, RSI=71.2000", ck.IndicatorLine())
}
