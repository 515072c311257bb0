// Package feedsim serves a Binance-shaped market data simulator: combined and
// raw kline/trade WebSocket streams plus the /api/v3/klines REST endpoint.
// It lets the desk run end to end without exchange connectivity.
package feedsim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cryptodesk/internal/model"
)

// Config controls the simulated market.
type Config struct {
	// Prices maps upper-case symbols to their starting price.
	Prices map[string]float64
	// Interval is the candle width the simulator builds (e.g. "1m").
	Interval string
	// History is how many closed candles are pre-generated and retained.
	History int
	// Volatility is the max relative move per tick (0.001 = ±0.1%).
	Volatility float64
	// Seed fixes the random walk; 0 uses the clock.
	Seed int64
}

// DefaultPrices seeds the usual pairs.
var DefaultPrices = map[string]float64{
	"BTCUSDT": 64000,
	"ETHUSDT": 3200,
	"SOLUSDT": 150,
	"BNBUSDT": 580,
}

var intervalWidth = map[string]time.Duration{
	"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "4h": 4 * time.Hour, "1d": 24 * time.Hour,
}

// instrument holds per-symbol simulation state.
type instrument struct {
	price   float64
	candles []model.Candle // closed candles followed by the open one
}

// Simulator owns the random walk and the connected clients.
type Simulator struct {
	cfg   Config
	width time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	symbols []string // sorted, so a fixed Seed replays the same walk
	insts   map[string]*instrument

	hub *hub
}

// New builds a simulator and pre-generates History closed candles ending at now.
func New(cfg Config, now time.Time) (*Simulator, error) {
	if len(cfg.Prices) == 0 {
		cfg.Prices = DefaultPrices
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	width, ok := intervalWidth[cfg.Interval]
	if !ok {
		return nil, fmt.Errorf("%w: feedsim: unsupported interval %q", model.ErrConfig, cfg.Interval)
	}
	if cfg.History <= 0 {
		cfg.History = 300
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = now.UnixNano()
	}

	s := &Simulator{
		cfg:   cfg,
		width: width,
		rng:   rand.New(rand.NewSource(seed)),
		insts: make(map[string]*instrument, len(cfg.Prices)),
		hub:   newHub(),
	}
	for sym := range cfg.Prices {
		s.symbols = append(s.symbols, sym)
	}
	sort.Strings(s.symbols)
	for i, sym := range s.symbols {
		p := cfg.Prices[sym]
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("%w: feedsim: bad start price %v for %s", model.ErrConfig, p, sym)
		}
		s.symbols[i] = strings.ToUpper(sym)
		s.insts[s.symbols[i]] = s.seedHistory(p, now)
	}
	return s, nil
}

func (s *Simulator) bucket(t time.Time) int64 {
	ms := t.UnixMilli()
	w := s.width.Milliseconds()
	return ms - ms%w
}

// seedHistory walks backwards-in-time candles so the REST backfill has data.
func (s *Simulator) seedHistory(start float64, now time.Time) *instrument {
	in := &instrument{price: start}
	open := s.bucket(now) - int64(s.cfg.History)*s.width.Milliseconds()
	for i := 0; i < s.cfg.History; i++ {
		c := model.Candle{OpenTime: open, Open: in.price, High: in.price, Low: in.price, Close: in.price}
		for j := 0; j < 4; j++ {
			in.price = s.walk(in.price)
			c.High = math.Max(c.High, in.price)
			c.Low = math.Min(c.Low, in.price)
		}
		c.Close = in.price
		in.candles = append(in.candles, c)
		open += s.width.Milliseconds()
	}
	return in
}

// walk applies one bounded random step.
func (s *Simulator) walk(p float64) float64 {
	pct := (s.rng.Float64()*2 - 1) * s.cfg.Volatility
	next := p * (1 + pct)
	if next < 0.00000001 {
		next = 0.00000001
	}
	return round8(next)
}

func round8(v float64) float64 { return math.Round(v*1e8) / 1e8 }

// Step advances every symbol by one trade at time now and broadcasts the
// trade and kline events.
func (s *Simulator) Step(now time.Time) {
	s.mu.Lock()
	events := make([][2]any, 0, 2*len(s.insts))
	for _, sym := range s.symbols {
		in := s.insts[sym]
		in.price = s.walk(in.price)
		c := s.applyLocked(in, now)
		events = append(events,
			[2]any{streamName(sym, "trade"), tradeEvent(sym, in.price, now)},
			[2]any{streamName(sym, "kline_"+s.cfg.Interval), klineEvent(sym, s.cfg.Interval, c, s.width, now)},
		)
	}
	s.mu.Unlock()

	for _, ev := range events {
		stream := ev[0].(string)
		data, err := json.Marshal(ev[1])
		if err != nil {
			continue
		}
		s.hub.broadcast(stream, data)
	}
}

// applyLocked folds the current price into the open candle, rolling a new
// bucket when now crosses the candle width.
func (s *Simulator) applyLocked(in *instrument, now time.Time) model.Candle {
	open := s.bucket(now)
	n := len(in.candles)
	if n > 0 && in.candles[n-1].OpenTime == open {
		c := &in.candles[n-1]
		c.High = math.Max(c.High, in.price)
		c.Low = math.Min(c.Low, in.price)
		c.Close = in.price
		return *c
	}
	c := model.Candle{OpenTime: open, Open: in.price, High: in.price, Low: in.price, Close: in.price}
	in.candles = append(in.candles, c)
	if len(in.candles) > s.cfg.History {
		in.candles = append([]model.Candle(nil), in.candles[len(in.candles)-s.cfg.History:]...)
	}
	return c
}

// Klines returns up to limit most recent candles for symbol.
func (s *Simulator) Klines(symbol string, limit int) ([]model.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.insts[strings.ToUpper(symbol)]
	if !ok {
		return nil, false
	}
	if limit <= 0 || limit > len(in.candles) {
		limit = len(in.candles)
	}
	out := make([]model.Candle, limit)
	copy(out, in.candles[len(in.candles)-limit:])
	return out, true
}

// Run steps the simulator every tick until stop is closed.
func (s *Simulator) Run(every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Clients returns the number of connected stream clients.
func (s *Simulator) Clients() int { return s.hub.count() }

// ─── HTTP ─────────────────────────────────────────────────────────────────────

// Handler serves /stream (combined), /ws/<stream> (raw), /api/v3/klines and
// /health.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		streams := strings.Split(r.URL.Query().Get("streams"), "/")
		s.serveWS(w, r, streams, true)
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, []string{strings.TrimPrefix(r.URL.Path, "/ws/")}, false)
	})
	mux.HandleFunc("/api/v3/klines", s.handleKlines)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"feedsim","clients":%d}`+"\n", s.Clients())
	})
	return mux
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func (s *Simulator) serveWS(w http.ResponseWriter, r *http.Request, streams []string, combined bool) {
	set := make(map[string]bool, len(streams))
	for _, st := range streams {
		if st = strings.ToLower(strings.TrimSpace(st)); st != "" {
			set[st] = true
		}
	}
	if len(set) == 0 {
		http.Error(w, "no streams", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("feedsim upgrade failed", slog.String("component", "feedsim"), slog.String("error", err.Error()))
		return
	}
	slog.Info("feedsim client connected", slog.String("component", "feedsim"), slog.String("remote", r.RemoteAddr))

	c := s.hub.register(set, combined)
	defer func() {
		s.hub.unregister(c)
		conn.Close()
		slog.Info("feedsim client disconnected", slog.String("component", "feedsim"), slog.String("remote", r.RemoteAddr))
	}()

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister(c)
				return
			}
		}
	}()

	for msg := range c.send {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Simulator) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 500
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeAPIError(w, http.StatusBadRequest, -1100, "Illegal characters found in parameter 'limit'.")
			return
		}
		limit = n
	}
	if _, ok := intervalWidth[q.Get("interval")]; !ok {
		writeAPIError(w, http.StatusBadRequest, -1120, "Invalid interval.")
		return
	}
	candles, ok := s.Klines(q.Get("symbol"), limit)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, -1121, "Invalid symbol.")
		return
	}

	rows := make([][]any, len(candles))
	for i, c := range candles {
		rows[i] = []any{
			c.OpenTime, fmtPrice(c.Open), fmtPrice(c.High), fmtPrice(c.Low), fmtPrice(c.Close),
			"0", c.OpenTime + s.width.Milliseconds() - 1,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func writeAPIError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg})
}

// ─── Wire shapes ──────────────────────────────────────────────────────────────

func streamName(symbol, kind string) string { return strings.ToLower(symbol) + "@" + kind }

func fmtPrice(v float64) string { return strconv.FormatFloat(v, 'f', 8, 64) }

type tradeMsg struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
}

func tradeEvent(sym string, price float64, now time.Time) tradeMsg {
	return tradeMsg{
		Event: "trade", EventTime: now.UnixMilli(), Symbol: sym,
		Price: fmtPrice(price), Qty: "0.01000000", TradeTime: now.UnixMilli(),
	}
}

type klineBody struct {
	Start    int64  `json:"t"`
	End      int64  `json:"T"`
	Symbol   string `json:"s"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Closed   bool   `json:"x"`
}

type klineMsg struct {
	Event     string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineBody `json:"k"`
}

func klineEvent(sym, interval string, c model.Candle, width time.Duration, now time.Time) klineMsg {
	end := c.OpenTime + width.Milliseconds() - 1
	return klineMsg{
		Event: "kline", EventTime: now.UnixMilli(), Symbol: sym,
		Kline: klineBody{
			Start: c.OpenTime, End: end, Symbol: sym, Interval: interval,
			Open: fmtPrice(c.Open), High: fmtPrice(c.High), Low: fmtPrice(c.Low), Close: fmtPrice(c.Close),
			Closed: now.UnixMilli() >= end,
		},
	}
}
