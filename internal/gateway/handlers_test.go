package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptodesk/internal/feed"
	"cryptodesk/internal/indicator"
	"cryptodesk/internal/ledger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
	"cryptodesk/internal/runner"
	"cryptodesk/internal/strategy"
)

// fakeDesk records commands and returns canned state.
type fakeDesk struct {
	mu sync.Mutex

	tick    *model.Tick
	candles []model.Candle
	configs map[indicator.Side]indicator.ConfigSet
	bal     ledger.Balance
	fills   []ledger.Fill
	logs    []model.LogEntry
	run     runner.Status

	tradeErr  error
	configErr error
	runErr    error
	result    runner.BacktestResult

	trades   []ledger.TradeIntent
	switched []string
	stops    int
	resets   int
	since    int64
}

func newFakeDesk() *fakeDesk {
	return &fakeDesk{
		configs: map[indicator.Side]indicator.ConfigSet{
			indicator.SideBuy:  indicator.DefaultBuy(),
			indicator.SideSell: indicator.DefaultSell(),
		},
		bal: ledger.DefaultBalance(),
	}
}

func (d *fakeDesk) Feed() FeedStatus {
	return FeedStatus{Symbol: "BTCUSDT", Interval: "1m", Mode: feed.ModeAuto, State: feed.StateConnected, Candles: len(d.candles), Capacity: 70}
}

func (d *fakeDesk) Tick() (model.Tick, bool) {
	if d.tick == nil {
		return model.Tick{}, false
	}
	return *d.tick, true
}

func (d *fakeDesk) Candles() []model.Candle { return d.candles }

func (d *fakeDesk) Indicators(side indicator.Side) (indicator.ConfigSet, map[indicator.Kind]indicator.Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[side], map[indicator.Kind]indicator.Reading{}
}

func (d *fakeDesk) IndicatorSeries(side indicator.Side) map[indicator.Kind]indicator.Series {
	return map[indicator.Kind]indicator.Series{indicator.KindRSI: {}}
}

func (d *fakeDesk) ConfigureIndicators(side indicator.Side, set indicator.ConfigSet) error {
	if d.configErr != nil {
		return d.configErr
	}
	d.mu.Lock()
	d.configs[side] = set
	d.mu.Unlock()
	return nil
}

func (d *fakeDesk) Evaluate() (strategy.Evaluation, bool) {
	if len(d.candles) == 0 {
		return strategy.Evaluation{}, false
	}
	return strategy.Evaluation{Close: d.candles[len(d.candles)-1].Close}, true
}

func (d *fakeDesk) Balance() BalanceView {
	return BalanceView{Balance: d.bal, Valuation: d.bal[ledger.QuoteAsset]}
}

func (d *fakeDesk) Trades() []ledger.Fill { return d.fills }

func (d *fakeDesk) Trade(intent ledger.TradeIntent) (ledger.Balance, error) {
	d.trades = append(d.trades, intent)
	if d.tradeErr != nil {
		return nil, d.tradeErr
	}
	return d.bal, nil
}

func (d *fakeDesk) ResetBalance() BalanceView {
	d.resets++
	d.bal = ledger.DefaultBalance()
	return d.Balance()
}

func (d *fakeDesk) Convert(req ConvertRequest) (ConvertResponse, error) {
	if d.tick == nil {
		return ConvertResponse{}, fmt.Errorf("%w: no price yet", model.ErrInvalidTrade)
	}
	return ConvertResponse{Result: ledger.Convert(req.Amount, d.tick.Price, req.Direction), Price: d.tick.Price}, nil
}

func (d *fakeDesk) Logs(since int64) []model.LogEntry {
	d.since = since
	return d.logs
}

func (d *fakeDesk) RunStatus() runner.Status { return d.run }

func (d *fakeDesk) SwitchSymbol(ctx context.Context, symbol, interval string) error {
	if !feed.Intervals[interval] {
		return fmt.Errorf("feed: %w: interval %q", model.ErrConfig, interval)
	}
	d.switched = append(d.switched, symbol+"@"+interval)
	return nil
}

func (d *fakeDesk) Backtest(ctx context.Context, req runner.Request) (runner.BacktestResult, error) {
	return d.result, d.runErr
}

func (d *fakeDesk) StartLiveTest(ctx context.Context, req runner.Request) error {
	if d.runErr != nil {
		return d.runErr
	}
	d.run = runner.Status{State: runner.StateStarting, Symbol: req.Symbol}
	return nil
}

func (d *fakeDesk) StopLiveTest() {
	d.stops++
	d.run = runner.Status{State: runner.StateIdle}
}

func (d *fakeDesk) Health() (metrics.Report, int) {
	return metrics.Report{Status: "healthy", FeedState: "CONNECTED"}, http.StatusOK
}

func newTestServer(t *testing.T, d *fakeDesk) (*Server, http.Handler) {
	t.Helper()
	s := NewServer(d, NewHub())
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func candle(ts int64, close float64) model.Candle {
	return model.Candle{OpenTime: ts, Open: close, High: close, Low: close, Close: close}
}

// ─── reads ───

func TestHandlers_MethodGuardAndCORS(t *testing.T) {
	_, h := newTestServer(t, newFakeDesk())

	rec := do(t, h, http.MethodPost, "/api/balance", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))

	rec = do(t, h, http.MethodGet, "/api/trade", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodOptions, "/api/trade", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandlers_PriceBeforeAndAfterFirstTick(t *testing.T) {
	d := newFakeDesk()
	_, h := newTestServer(t, d)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/price", nil).Code)

	d.tick = &model.Tick{Symbol: "BTCUSDT", Price: decimal.RequireFromString("43000.5"), TS: time.Now().UTC()}
	rec := do(t, h, http.MethodGet, "/api/price", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pv PriceView
	decodeBody(t, rec, &pv)
	assert.Equal(t, "BTCUSDT", pv.Symbol)
	assert.True(t, pv.Price.Equal(decimal.RequireFromString("43000.5")))
}

func TestHandlers_CandlesLimit(t *testing.T) {
	d := newFakeDesk()
	for i := int64(1); i <= 5; i++ {
		d.candles = append(d.candles, candle(i*60_000, float64(i)))
	}
	_, h := newTestServer(t, d)

	var got []model.Candle
	decodeBody(t, do(t, h, http.MethodGet, "/api/candles?limit=2", nil), &got)
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[0].Close)
	assert.Equal(t, 5.0, got[1].Close)

	decodeBody(t, do(t, h, http.MethodGet, "/api/candles?limit=bogus", nil), &got)
	assert.Len(t, got, 5)
}

func TestHandlers_IndicatorsBySide(t *testing.T) {
	_, h := newTestServer(t, newFakeDesk())

	var view IndicatorView
	decodeBody(t, do(t, h, http.MethodGet, "/api/indicators?side=sell&series=true", nil), &view)
	assert.Equal(t, indicator.SideSell, view.Side)
	assert.Contains(t, view.Series, indicator.KindRSI)

	var both map[indicator.Side]IndicatorView
	decodeBody(t, do(t, h, http.MethodGet, "/api/indicators", nil), &both)
	assert.Len(t, both, 2)
	assert.Nil(t, both[indicator.SideBuy].Series)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/indicators?side=hold", nil).Code)
}

func TestHandlers_LogsSince(t *testing.T) {
	d := newFakeDesk()
	d.logs = []model.LogEntry{{Seq: 8, Source: "feed", Tag: model.TagInfo, Text: "connected"}}
	_, h := newTestServer(t, d)

	var got []model.LogEntry
	decodeBody(t, do(t, h, http.MethodGet, "/api/logs?since=7", nil), &got)
	assert.Equal(t, int64(7), d.since)
	require.Len(t, got, 1)
	assert.Equal(t, "connected", got[0].Text)
}

func TestHandlers_FeedIncludesLag(t *testing.T) {
	s, h := newTestServer(t, newFakeDesk())
	s.hub.Lag.Observe(40 * time.Millisecond)

	var st FeedStatus
	decodeBody(t, do(t, h, http.MethodGet, "/api/feed", nil), &st)
	assert.Equal(t, feed.StateConnected, st.State)
	assert.Equal(t, 1, st.Lag.Samples)
}

func TestHandlers_Missed(t *testing.T) {
	s, h := newTestServer(t, newFakeDesk())
	for i := 0; i < 4; i++ {
		s.hub.Broadcast(ChannelLog, map[string]int{"n": i})
	}

	var body struct {
		Channel  string            `json:"channel"`
		Messages []json.RawMessage `json:"messages"`
	}
	decodeBody(t, do(t, h, http.MethodGet, "/api/missed?channel=log&from=3", nil), &body)
	assert.Len(t, body.Messages, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/missed", nil).Code)
}

func TestHandlers_Health(t *testing.T) {
	_, h := newTestServer(t, newFakeDesk())
	var rep metrics.Report
	rec := do(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &rep)
	assert.Equal(t, "healthy", rep.Status)
}

// ─── commands ───

func TestHandlers_TradeErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"invalid", fmt.Errorf("ledger: %w: amount must be positive", model.ErrInvalidTrade), http.StatusBadRequest},
		{"insufficient", &model.InsufficientBalanceError{Asset: "USDT"}, http.StatusUnprocessableEntity},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newFakeDesk()
			d.tradeErr = tc.err
			_, h := newTestServer(t, d)

			rec := do(t, h, http.MethodPost, "/api/trade", `{"side":"BUY","asset":"BTC","quoteAmount":"100"}`)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			require.Len(t, d.trades, 1)
			assert.Equal(t, ledger.SideBuy, d.trades[0].Side)
			assert.True(t, d.trades[0].QuoteAmount.Equal(decimal.NewFromInt(100)))
		})
	}
}

func TestHandlers_BadJSON(t *testing.T) {
	d := newFakeDesk()
	_, h := newTestServer(t, d)
	rec := do(t, h, http.MethodPost, "/api/trade", `{"side":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, d.trades)
}

func TestHandlers_Convert(t *testing.T) {
	d := newFakeDesk()
	_, h := newTestServer(t, d)

	req := ConvertRequest{Amount: decimal.NewFromInt(100), Direction: ledger.QuoteToBase}
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/convert", req).Code)

	d.tick = &model.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(50_000)}
	var res ConvertResponse
	decodeBody(t, do(t, h, http.MethodPost, "/api/convert", req), &res)
	assert.True(t, res.Result.Equal(decimal.RequireFromString("0.002")), res.Result.String())
	assert.True(t, res.Price.Equal(decimal.NewFromInt(50_000)))
}

func TestHandlers_ConfigureIndicators(t *testing.T) {
	d := newFakeDesk()
	_, h := newTestServer(t, d)

	set := indicator.ConfigSet{indicator.KindSMA: {Kind: indicator.KindSMA, Enabled: true, Period: 5}}
	rec := do(t, h, http.MethodPost, "/api/indicators/buy", set)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, d.configs[indicator.SideBuy][indicator.KindSMA].Period)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/indicators/hold", set).Code)

	d.configErr = fmt.Errorf("indicator: %w: SMA period 0", model.ErrConfig)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/indicators/sell", set).Code)
}

func TestHandlers_SwitchSymbol(t *testing.T) {
	d := newFakeDesk()
	_, h := newTestServer(t, d)

	rec := do(t, h, http.MethodPost, "/api/symbol", SymbolRequest{Symbol: "ETHUSDT", Interval: "5m"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ETHUSDT@5m"}, d.switched)

	rec = do(t, h, http.MethodPost, "/api/symbol", SymbolRequest{Symbol: "ETHUSDT", Interval: "7m"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_BacktestAndLiveTest(t *testing.T) {
	d := newFakeDesk()
	d.result = runner.BacktestResult{Profit: 12.5, TradeCount: 3}
	_, h := newTestServer(t, d)
	body := runner.Request{Symbol: "BTCUSDT", Timeframe: "1h", PeriodDays: 7}

	var bt struct {
		Summary string `json:"summary"`
	}
	decodeBody(t, do(t, h, http.MethodPost, "/api/backtest", body), &bt)
	assert.Contains(t, bt.Summary, "profit 12.50 USDT")

	var st runner.Status
	decodeBody(t, do(t, h, http.MethodPost, "/api/livetest/start", body), &st)
	assert.Equal(t, runner.StateStarting, st.State)

	d.runErr = runner.ErrBusy
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/livetest/start", body).Code)

	d.runErr = &model.BackendError{Op: "livetest/start", Status: 500, Message: "down"}
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/livetest/start", body).Code)
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/backtest", body).Code)

	decodeBody(t, do(t, h, http.MethodPost, "/api/livetest/stop", nil), &st)
	assert.Equal(t, runner.StateIdle, st.State)
	assert.Equal(t, 1, d.stops)
}

func TestServer_ResetBalance(t *testing.T) {
	d := newFakeDesk()
	d.bal = ledger.Balance{"USDT": decimal.NewFromInt(5), "BTC": decimal.NewFromInt(1)}
	_, h := newTestServer(t, d)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/balance/reset", nil).Code)

	var view BalanceView
	decodeBody(t, do(t, h, http.MethodPost, "/api/balance/reset", nil), &view)
	assert.Equal(t, 1, d.resets)
	assert.True(t, view.Balance["USDT"].Equal(decimal.NewFromInt(10_000)))
	assert.NotContains(t, view.Balance, "BTC")
}

func TestServer_SnapshotComposesDesk(t *testing.T) {
	d := newFakeDesk()
	d.candles = []model.Candle{candle(60_000, 10)}
	s, _ := newTestServer(t, d)

	snap := s.Snapshot()
	assert.Equal(t, "BTCUSDT", snap.Feed.Symbol)
	assert.Len(t, snap.Candles, 1)
	require.NotNil(t, snap.Evaluation)
	assert.Equal(t, 10.0, snap.Evaluation.Close)
	assert.Equal(t, indicator.SideBuy, snap.Buy.Side)
}
