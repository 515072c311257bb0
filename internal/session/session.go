// Package session wires one instance of every desk component: the candle
// buffer, indicator engine, market feed, ledger, strategy runner and journal,
// plus their fan-out to the UI hub, the event bus, alerts and metrics.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"cryptodesk/internal/candlebuf"
	"cryptodesk/internal/eventbus"
	"cryptodesk/internal/feed"
	"cryptodesk/internal/gateway"
	"cryptodesk/internal/indicator"
	"cryptodesk/internal/journal"
	"cryptodesk/internal/ledger"
	"cryptodesk/internal/logger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
	"cryptodesk/internal/notification"
	"cryptodesk/internal/runner"
	"cryptodesk/internal/strategy"
)

const source = "session"

var (
	_ gateway.Desk          = (*Session)(nil)
	_ runner.LocalEvaluator = (*Session)(nil)
)

// Config sizes and seeds a session.
type Config struct {
	Symbol           string
	Interval         string
	Capacity         int
	JournalRetention int
	InitialBalance   ledger.Balance
	Buy, Sell        indicator.ConfigSet

	Feed   feed.Config
	Runner runner.Config
}

// Deps are the outward-facing collaborators. Only Backend is required.
type Deps struct {
	Backend   runner.Backend
	Publisher model.Publisher       // nil disables the event bus
	Notifier  notification.Notifier // nil disables alerts
	Metrics   *metrics.Metrics      // nil registers on a private registry
	Health    *metrics.HealthStatus // nil creates one
}

// Session is one running desk.
type Session struct {
	cfg Config
	log *slog.Logger

	journal *journal.Journal
	buf     *candlebuf.Buffer
	engine  *indicator.Engine
	feed    *feed.Feed
	ledger  *ledger.Ledger
	runner  *runner.Runner

	hub        *gateway.Hub
	bus        *eventbus.Bus
	dispatcher *notification.Dispatcher
	metrics    *metrics.Metrics
	health     *metrics.HealthStatus

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New builds a stopped session. Indicator sets are validated here.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("session: %w: backend is required", model.ErrConfig)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 500
	}
	if cfg.Feed.Mode == "" {
		cfg.Feed.Mode = feed.ModeAuto
	}
	if cfg.InitialBalance == nil {
		cfg.InitialBalance = ledger.DefaultBalance()
	}
	if cfg.Buy == nil {
		cfg.Buy = indicator.DefaultBuy()
	}
	if cfg.Sell == nil {
		cfg.Sell = indicator.DefaultSell()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Health == nil {
		deps.Health = metrics.NewHealthStatus()
	}

	s := &Session{
		cfg:     cfg,
		log:     slog.Default().With(slog.String("component", source)),
		journal: journal.New(cfg.JournalRetention),
		buf:     candlebuf.New(cfg.Capacity),
		hub:     gateway.NewHub(),
		metrics: deps.Metrics,
		health:  deps.Health,
	}
	s.engine = indicator.NewEngine(s.buf)
	if err := s.engine.Configure(indicator.SideBuy, cfg.Buy); err != nil {
		return nil, fmt.Errorf("session: buy indicators: %w", err)
	}
	if err := s.engine.Configure(indicator.SideSell, cfg.Sell); err != nil {
		return nil, fmt.Errorf("session: sell indicators: %w", err)
	}
	s.feed = feed.New(cfg.Feed, s.buf, s.journal)
	s.ledger = ledger.New(cfg.InitialBalance, s.journal)
	s.runner = runner.New(cfg.Runner, deps.Backend, s.journal)
	s.runner.SetLocal(s)

	if deps.Publisher != nil {
		s.bus = eventbus.New(deps.Publisher, 1024)
	}
	if deps.Notifier != nil {
		s.dispatcher = notification.NewDispatcher(deps.Notifier, 64, 10*time.Second)
	}

	s.wireJournal()
	s.wireFeed()
	s.wireLedger()
	s.wireRunner(deps.Backend)
	s.wireBus(deps.Publisher)
	s.wireHub()
	return s, nil
}

// ── wiring ──

func (s *Session) wireJournal() {
	s.journal.OnAppend(func(e model.LogEntry) {
		s.hub.Broadcast(gateway.ChannelLog, e)
		if s.bus != nil {
			s.bus.Emit(eventbus.ChannelLog, e)
		}
		if s.dispatcher != nil {
			s.dispatcher.Observe(e)
		}
	})
}

func (s *Session) wireFeed() {
	m := s.metrics
	s.feed.OnCandle = func(c model.Candle, op candlebuf.Op) {
		m.FeedMessages.WithLabelValues("kline").Inc()
		m.CandleUpserts.WithLabelValues(op.String()).Inc()
		m.LastPrice.Set(c.Close)

		start := time.Now()
		if s.engine.Step(c) {
			m.IndicatorResyncs.Inc()
		}
		m.IndicatorStepDur.Observe(time.Since(start).Seconds())

		s.health.SetLastPriceTime(time.Now())
		s.hub.Broadcast(gateway.ChannelCandle, c)
		s.publishIndicators()
	}
	s.feed.OnResync = func(snapshot []model.Candle) {
		s.engine.Resync(snapshot)
		m.IndicatorResyncs.Inc()
		s.hub.Broadcast(gateway.ChannelCandles, snapshot)
		s.publishIndicators()
		if t, ok := s.feed.Tick(); ok {
			s.publishPrice(t)
		}
	}
	s.feed.OnPrice = func(t model.Tick) {
		m.FeedMessages.WithLabelValues("trade").Inc()
		s.publishPrice(t)
	}
	s.feed.OnState = func(st feed.State) {
		m.FeedState.Set(float64(st))
		s.health.SetFeedState(st.String())
		s.hub.Broadcast(gateway.ChannelFeed, s.Feed())
	}
	s.feed.OnReconnect = func() { m.FeedReconnects.Inc() }
	s.feed.OnDataError = func(error) { m.DataErrors.Inc() }
	s.feed.OnPoll = func(err error) { m.FeedPolls.WithLabelValues(metrics.Result(err)).Inc() }
}

func (s *Session) wireLedger() {
	s.ledger.OnFill = func(f ledger.Fill) {
		s.metrics.TradesTotal.WithLabelValues(string(f.Side)).Inc()
		s.hub.Broadcast(gateway.ChannelBalance, s.Balance())
	}
	s.ledger.OnReject = func(_ ledger.TradeIntent, err error) {
		s.metrics.TradeRejects.WithLabelValues(rejectReason(err)).Inc()
	}
}

func (s *Session) wireRunner(backend runner.Backend) {
	s.runner.OnState = func(st runner.Status) {
		s.metrics.RunState.Set(float64(st.State))
		s.health.SetRunState(st.State.String())
		s.hub.Broadcast(gateway.ChannelRun, st)
		if s.bus != nil {
			s.bus.Emit(eventbus.ChannelRun, st)
		}
	}
	s.runner.OnCheck = func(err error) {
		s.metrics.LiveTestChecks.WithLabelValues(metrics.Result(err)).Inc()
	}
	if c, ok := backend.(*runner.Client); ok {
		c.Observe = func(op string, d time.Duration, err error) {
			s.metrics.BackendRequestDur.WithLabelValues(op, metrics.Result(err)).Observe(d.Seconds())
		}
	}
}

func (s *Session) wireBus(pub model.Publisher) {
	if s.bus == nil {
		return
	}
	s.bus.OnDrop = func(string) { s.metrics.EventBusDropped.Inc() }
	rp, ok := pub.(*eventbus.RedisPublisher)
	if !ok {
		return
	}
	s.health.EnableRedis()
	rp.OnBuffer = func() { s.metrics.EventBusBuffered.Inc() }
	cb := rp.Breaker()
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to eventbus.State) {
		if prev != nil {
			prev(from, to)
		}
		s.metrics.EventBusBreakerState.Set(float64(to))
		if to == eventbus.StateOpen {
			s.metrics.EventBusBreakerTrips.Inc()
		}
	}
}

func (s *Session) wireHub() {
	s.hub.OnClients = func(n int) { s.metrics.WSClients.Set(float64(n)) }
	s.hub.OnDrop = func() { s.metrics.WSDrops.Inc() }
	if s.dispatcher != nil {
		s.dispatcher.OnResult = func(err error) {
			s.metrics.AlertsTotal.WithLabelValues(metrics.Result(err)).Inc()
		}
	}
}

func (s *Session) publishPrice(t model.Tick) {
	f, _ := t.Price.Float64()
	s.metrics.LastPrice.Set(f)
	s.health.SetLastPriceTime(t.TS)
	s.hub.Broadcast(gateway.ChannelPrice, t)
	if s.bus != nil {
		s.bus.Emit(eventbus.ChannelPrice, t)
	}
}

// indicatorUpdate is the payload of the indicators channel.
type indicatorUpdate struct {
	Buy        map[indicator.Kind]indicator.Reading `json:"buy"`
	Sell       map[indicator.Kind]indicator.Reading `json:"sell"`
	Evaluation *strategy.Evaluation                 `json:"evaluation,omitempty"`
}

func (s *Session) publishIndicators() {
	u := indicatorUpdate{
		Buy:  s.engine.Latest(indicator.SideBuy),
		Sell: s.engine.Latest(indicator.SideSell),
	}
	if ev, ok := s.Evaluate(); ok {
		u.Evaluation = &ev
	}
	s.hub.Broadcast(gateway.ChannelIndicators, u)
}

func rejectReason(err error) string {
	if errors.Is(err, model.ErrInsufficientBalance) {
		return "insufficient_balance"
	}
	return "invalid"
}

// ── lifecycle ──

// Start launches the background workers and the feed for the configured
// symbol. ctx bounds the whole session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	runCtx := s.ctx
	s.mu.Unlock()

	if s.bus != nil {
		s.goRun(s.bus.Run)
	}
	if s.dispatcher != nil {
		s.goRun(s.dispatcher.Run)
	}
	s.health.SetSymbol(s.cfg.Symbol)
	s.health.SetRunState(runner.StateIdle.String())

	s.journal.Infof(source, "desk started: %s %s, balance %s", s.cfg.Symbol, s.cfg.Interval, s.ledger.Balance())
	if err := s.feed.Start(runCtx, s.cfg.Symbol, s.cfg.Interval); err != nil {
		return fmt.Errorf("session: start feed: %w", err)
	}
	return nil
}

func (s *Session) goRun(fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Hub returns the UI hub the session publishes to.
func (s *Session) Hub() *gateway.Hub { return s.hub }

// Journal returns the session log.
func (s *Session) Journal() *journal.Journal { return s.journal }

// Close stops the live test, the feed and every worker, and disconnects UI
// clients.
func (s *Session) Close() error {
	s.runner.StopLiveTest()
	s.feed.Stop()

	s.mu.Lock()
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.hub.Close()
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *Session) baseAsset() string {
	sym, _ := s.feed.Symbol()
	if sym == "" {
		sym = s.cfg.Symbol
	}
	return strings.TrimSuffix(sym, ledger.QuoteAsset)
}

func (s *Session) prices() map[string]decimal.Decimal {
	p, ok := s.feed.LastPrice()
	if !ok {
		return nil
	}
	return map[string]decimal.Decimal{s.baseAsset(): p}
}

// ── gateway.Desk ──

func (s *Session) Feed() gateway.FeedStatus {
	sym, interval := s.feed.Symbol()
	if sym == "" {
		sym, interval = s.cfg.Symbol, s.cfg.Interval
	}
	st := gateway.FeedStatus{
		Symbol:   sym,
		Interval: interval,
		Mode:     s.cfg.Feed.Mode,
		State:    s.feed.State(),
		Failures: s.feed.Failures(),
		Candles:  s.buf.Len(),
		Capacity: s.buf.Cap(),
	}
	if t, ok := s.feed.Tick(); ok {
		st.LastPrice = &gateway.PriceView{Symbol: t.Symbol, Price: t.Price, TS: t.TS}
	}
	return st
}

func (s *Session) Tick() (model.Tick, bool) { return s.feed.Tick() }

func (s *Session) Candles() []model.Candle { return s.buf.Snapshot() }

func (s *Session) Indicators(side indicator.Side) (indicator.ConfigSet, map[indicator.Kind]indicator.Reading) {
	return s.engine.Configs(side), s.engine.Latest(side)
}

func (s *Session) IndicatorSeries(side indicator.Side) map[indicator.Kind]indicator.Series {
	return s.engine.Series(side, s.buf.Snapshot())
}

// ConfigureIndicators replaces one side's set; on error the old set stays.
func (s *Session) ConfigureIndicators(side indicator.Side, set indicator.ConfigSet) error {
	if err := s.engine.Configure(side, set); err != nil {
		return err
	}
	names := make([]string, 0, len(set))
	for _, c := range s.engine.Configs(side).Enabled() {
		names = append(names, c.Name())
	}
	s.journal.Infof("indicators", "%s indicators: %s", side, joinOr(names, "none"))
	s.publishIndicators()
	return nil
}

// Evaluate applies the buy/sell conditions at the latest close. It is the
// runner's local evaluator.
func (s *Session) Evaluate() (strategy.Evaluation, bool) {
	last, ok := s.buf.Last()
	if !ok {
		return strategy.Evaluation{}, false
	}
	return strategy.Evaluate(last.Close,
		s.engine.Latest(indicator.SideBuy),
		s.engine.Latest(indicator.SideSell)), true
}

func (s *Session) Balance() gateway.BalanceView {
	total, unpriced := s.ledger.Valuation(s.prices())
	return gateway.BalanceView{
		Balance:   s.ledger.Balance(),
		Valuation: total,
		Unpriced:  unpriced,
	}
}

func (s *Session) Trades() []ledger.Fill { return s.ledger.Trades() }

// Trade applies intent. The feed's last price backs market orders only for
// the asset being streamed; other assets need an explicit price.
func (s *Session) Trade(intent ledger.TradeIntent) (ledger.Balance, error) {
	intent.Asset = strings.ToUpper(strings.TrimSpace(intent.Asset))
	if intent.Asset == "" {
		intent.Asset = s.baseAsset()
	}
	var last decimal.Decimal
	if intent.Asset == s.baseAsset() {
		if p, ok := s.feed.LastPrice(); ok {
			last = p
		}
	}
	return s.ledger.ApplyTrade(intent, last)
}

// ResetBalance restores the configured starting balance and clears fills.
func (s *Session) ResetBalance() gateway.BalanceView {
	s.ledger.Reset(s.cfg.InitialBalance)
	s.journal.Infof(source, "balance reset to %s", s.ledger.Balance())
	view := s.Balance()
	s.hub.Broadcast(gateway.ChannelBalance, view)
	return view
}

func (s *Session) Convert(req gateway.ConvertRequest) (gateway.ConvertResponse, error) {
	p, ok := s.feed.LastPrice()
	if !ok {
		return gateway.ConvertResponse{}, fmt.Errorf("%w: no price yet", model.ErrInvalidTrade)
	}
	switch req.Direction {
	case ledger.QuoteToBase, ledger.BaseToQuote:
	default:
		return gateway.ConvertResponse{}, fmt.Errorf("%w: direction %q", model.ErrInvalidTrade, req.Direction)
	}
	return gateway.ConvertResponse{Result: ledger.Convert(req.Amount, p, req.Direction), Price: p}, nil
}

func (s *Session) Logs(since int64) []model.LogEntry {
	if since <= 0 {
		return s.journal.Entries()
	}
	return s.journal.Since(since)
}

func (s *Session) RunStatus() runner.Status { return s.runner.Status() }

// SwitchSymbol restarts the feed on a new pair: the candle window and the
// indicator states start empty.
func (s *Session) SwitchSymbol(ctx context.Context, symbol, interval string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if interval == "" {
		_, interval = s.feed.Symbol()
	}
	if symbol == "" {
		return fmt.Errorf("session: %w: empty symbol", model.ErrConfig)
	}
	if !feed.Intervals[interval] {
		return fmt.Errorf("session: %w: unsupported interval %q", model.ErrConfig, interval)
	}

	s.mu.Lock()
	runCtx := s.ctx
	s.mu.Unlock()
	if runCtx == nil {
		return fmt.Errorf("session: %w: not started", model.ErrConfig)
	}

	s.feed.Stop()
	s.buf.Reset()
	s.engine.Resync(nil)
	s.health.SetSymbol(symbol)
	s.log.Info("switching symbol",
		append([]any{slog.String("symbol", symbol), slog.String("interval", interval)}, logger.LogWithRun(ctx)...)...)
	s.journal.Infof(source, "switched to %s %s", symbol, interval)
	s.hub.Broadcast(gateway.ChannelCandles, []model.Candle{})
	if err := s.feed.Start(runCtx, symbol, interval); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// withDefaults fills an empty symbol, timeframe or indicator set from the
// live desk.
func (s *Session) withDefaults(req runner.Request) runner.Request {
	sym, interval := s.feed.Symbol()
	if req.Symbol == "" {
		req.Symbol = sym
	}
	if req.Timeframe == "" {
		req.Timeframe = interval
	}
	if req.Buy == nil {
		req.Buy = s.engine.Configs(indicator.SideBuy)
	}
	if req.Sell == nil {
		req.Sell = s.engine.Configs(indicator.SideSell)
	}
	return req
}

func (s *Session) Backtest(ctx context.Context, req runner.Request) (runner.BacktestResult, error) {
	return s.runner.RunBacktest(ctx, s.withDefaults(req))
}

func (s *Session) StartLiveTest(ctx context.Context, req runner.Request) error {
	return s.runner.StartLiveTest(ctx, s.withDefaults(req))
}

func (s *Session) StopLiveTest() { s.runner.StopLiveTest() }

func (s *Session) Health() (metrics.Report, int) { return s.health.Report() }

// StartLiveness polls p for the health probe until the session ends.
func (s *Session) StartLiveness(p metrics.Pinger, every time.Duration) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx != nil {
		s.health.StartLivenessChecker(ctx, p, every)
	}
}

func joinOr(parts []string, empty string) string {
	if len(parts) == 0 {
		return empty
	}
	return strings.Join(parts, ", ")
}
