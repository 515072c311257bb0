package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"cryptodesk/internal/indicator"
	"cryptodesk/internal/ledger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
	"cryptodesk/internal/runner"
	"cryptodesk/internal/strategy"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Desk is the application surface the gateway serves.
type Desk interface {
	Feed() FeedStatus
	Tick() (model.Tick, bool)
	Candles() []model.Candle
	Indicators(side indicator.Side) (indicator.ConfigSet, map[indicator.Kind]indicator.Reading)
	IndicatorSeries(side indicator.Side) map[indicator.Kind]indicator.Series
	ConfigureIndicators(side indicator.Side, set indicator.ConfigSet) error
	Evaluate() (strategy.Evaluation, bool)

	Balance() BalanceView
	Trades() []ledger.Fill
	Trade(intent ledger.TradeIntent) (ledger.Balance, error)
	ResetBalance() BalanceView
	Convert(req ConvertRequest) (ConvertResponse, error)

	Logs(since int64) []model.LogEntry
	RunStatus() runner.Status
	SwitchSymbol(ctx context.Context, symbol, interval string) error
	Backtest(ctx context.Context, req runner.Request) (runner.BacktestResult, error)
	StartLiveTest(ctx context.Context, req runner.Request) error
	StopLiveTest()

	Health() (metrics.Report, int)
}

// Server exposes a Desk over REST and the hub over WebSocket.
type Server struct {
	desk Desk
	hub  *Hub
	log  *slog.Logger
}

// NewServer wires desk and hub and installs the hub snapshot provider.
func NewServer(desk Desk, hub *Hub) *Server {
	s := &Server{
		desk: desk,
		hub:  hub,
		log:  slog.Default().With(slog.String("component", "gateway")),
	}
	hub.SetSnapshot(func() any { return s.Snapshot() })
	return s
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Handler returns the routed gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/health", s.get(s.handleHealth))
	mux.HandleFunc("/api/price", s.get(s.handlePrice))
	mux.HandleFunc("/api/candles", s.get(s.handleCandles))
	mux.HandleFunc("/api/indicators", s.get(s.handleIndicators))
	mux.HandleFunc("/api/evaluation", s.get(s.handleEvaluation))
	mux.HandleFunc("/api/balance", s.get(s.handleBalance))
	mux.HandleFunc("/api/trades", s.get(s.handleTrades))
	mux.HandleFunc("/api/logs", s.get(s.handleLogs))
	mux.HandleFunc("/api/run", s.get(s.handleRun))
	mux.HandleFunc("/api/feed", s.get(s.handleFeed))
	mux.HandleFunc("/api/missed", s.get(s.handleMissed))

	mux.HandleFunc("/api/trade", s.post(s.handleTrade))
	mux.HandleFunc("/api/convert", s.post(s.handleConvert))
	mux.HandleFunc("/api/balance/reset", s.post(s.handleResetBalance))
	mux.HandleFunc("/api/indicators/", s.post(s.handleConfigure))
	mux.HandleFunc("/api/symbol", s.post(s.handleSymbol))
	mux.HandleFunc("/api/backtest", s.post(s.handleBacktest))
	mux.HandleFunc("/api/livetest/start", s.post(s.handleStartLive))
	mux.HandleFunc("/api/livetest/stop", s.post(s.handleStopLive))
	return mux
}

// Snapshot assembles the initial state for a new WebSocket client.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		Feed:    s.feedStatus(),
		Candles: s.desk.Candles(),
		Buy:     s.indicatorView(indicator.SideBuy, false),
		Sell:    s.indicatorView(indicator.SideSell, false),
		Balance: s.desk.Balance(),
		Run:     s.desk.RunStatus(),
		Logs:    s.desk.Logs(0),
	}
	if ev, ok := s.desk.Evaluate(); ok {
		snap.Evaluation = &ev
	}
	return snap
}

func (s *Server) feedStatus() FeedStatus {
	st := s.desk.Feed()
	st.Lag = s.hub.Lag.Stats()
	return st
}

func (s *Server) indicatorView(side indicator.Side, series bool) IndicatorView {
	cfg, latest := s.desk.Indicators(side)
	v := IndicatorView{Side: side, Configs: cfg, Latest: latest}
	if series {
		v.Series = s.desk.IndicatorSeries(side)
	}
	return v
}

// ── method guards ──

func (s *Server) get(h http.HandlerFunc) http.HandlerFunc {
	return s.method(http.MethodGet, h)
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return s.method(http.MethodPost, h)
}

func (s *Server) method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != m {
			w.Header().Set("Allow", m)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

// ── responses ──

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrConfig), errors.Is(err, model.ErrInvalidTrade):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runner.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, model.ErrBackend):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errBadBody
	}
	return nil
}

var errBadBody = errors.New("invalid JSON")

func queryInt(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// ── WebSocket ──

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", slog.Any("error", err))
		return
	}
	s.hub.Attach(conn, r.URL.Query().Get("last_ts"))
}

// ── reads ──

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, status := s.desk.Health()
	writeJSON(w, status, rep)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	t, ok := s.desk.Tick()
	if !ok {
		writeError(w, http.StatusNotFound, "no price yet")
		return
	}
	writeJSON(w, http.StatusOK, PriceView{Symbol: t.Symbol, Price: t.Price, TS: t.TS})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	candles := s.desk.Candles()
	if limit := int(queryInt(r, "limit", 0)); limit > 0 && limit < len(candles) {
		candles = candles[len(candles)-limit:]
	}
	writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	series := r.URL.Query().Get("series") == "true"
	if v := r.URL.Query().Get("side"); v != "" {
		side, err := indicator.ParseSide(v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.indicatorView(side, series))
		return
	}
	writeJSON(w, http.StatusOK, map[indicator.Side]IndicatorView{
		indicator.SideBuy:  s.indicatorView(indicator.SideBuy, series),
		indicator.SideSell: s.indicatorView(indicator.SideSell, series),
	})
}

func (s *Server) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.desk.Evaluate()
	if !ok {
		writeError(w, http.StatusNotFound, "no candles yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluation": ev,
		"action":     ev.Action(),
		"summary":    ev.Summary(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.desk.Balance())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.desk.Trades())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.desk.Logs(queryInt(r, "since", 0)))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.desk.RunStatus())
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.feedStatus())
}

// handleMissed serves envelopes a client skipped, by channel sequence.
func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	from := queryInt(r, "from", 1)
	to := queryInt(r, "to", s.hub.GetChannelSeq(channel))
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"messages": s.hub.GetReplayRange(channel, from, to),
	})
}

// ── commands ──

func (s *Server) handleResetBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.desk.ResetBalance())
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var intent ledger.TradeIntent
	if err := decode(w, r, &intent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := s.desk.Trade(intent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": bal})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.desk.Convert(req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleConfigure replaces one side's indicator set: POST /api/indicators/{buy|sell}.
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	side, err := indicator.ParseSide(strings.TrimPrefix(r.URL.Path, "/api/indicators/"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var set indicator.ConfigSet
	if err := decode(w, r, &set); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.desk.ConfigureIndicators(side, set); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.indicatorView(side, false))
}

func (s *Server) handleSymbol(w http.ResponseWriter, r *http.Request) {
	var req SymbolRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.desk.SwitchSymbol(r.Context(), req.Symbol, req.Interval); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.feedStatus())
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req runner.Request
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.desk.Backtest(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  res,
		"summary": res.Summary(),
	})
}

func (s *Server) handleStartLive(w http.ResponseWriter, r *http.Request) {
	var req runner.Request
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.desk.StartLiveTest(r.Context(), req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.desk.RunStatus())
}

func (s *Server) handleStopLive(w http.ResponseWriter, r *http.Request) {
	s.desk.StopLiveTest()
	writeJSON(w, http.StatusOK, s.desk.RunStatus())
}
