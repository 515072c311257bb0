// Package feed keeps the candle buffer and last price of one symbol current.
// It streams Binance kline and trade events over a WebSocket with a bounded
// constant-delay reconnect policy, and falls back to REST polling when the
// stream is disabled or has failed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptodesk/internal/candlebuf"
	"cryptodesk/internal/model"
)

// Config holds feed endpoints and timing.
type Config struct {
	// StreamURL is the WebSocket base, e.g. "wss://stream.binance.com:9443".
	StreamURL string
	// RESTURL is the REST base, e.g. "https://api.binance.com".
	RESTURL string

	Mode Mode

	// ReconnectDelay is the constant wait between attempts. Defaults to 3s.
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failures before FAILED. Defaults to 5.
	MaxReconnects int
	// PollInterval is the fallback pull period. Defaults to 5s.
	PollInterval time.Duration
	// Limit is the number of candles per REST pull. Defaults to 70.
	Limit int
	// ReadTimeout fails a silent connection. Defaults to 90s.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.StreamURL == "" {
		c.StreamURL = "wss://stream.binance.com:9443"
	}
	if c.RESTURL == "" {
		c.RESTURL = "https://api.binance.com"
	}
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	} else if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Limit <= 0 {
		c.Limit = 70
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
}

// Recorder receives user-visible feed events.
type Recorder interface {
	Append(source string, tag model.Tag, text string) model.LogEntry
}

// wsConn is the part of *websocket.Conn the feed reads through.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const source = "feed"

// Feed owns writes to the candle buffer for the active symbol. All exported
// methods are safe for concurrent use.
type Feed struct {
	cfg    Config
	buf    *candlebuf.Buffer
	rec    Recorder
	client *http.Client
	dial   dialFunc

	mu       sync.Mutex
	state    State
	gen      uint64
	cancel   context.CancelFunc
	symbol   string
	interval string
	failures int

	lastPrice decimal.Decimal
	hasPrice  bool
	priceAt   time.Time

	wg sync.WaitGroup

	// Hooks (optional). Called from feed goroutines outside the lock, only
	// while the run that produced the event is still current.
	OnCandle    func(c model.Candle, op candlebuf.Op)
	OnResync    func(snapshot []model.Candle)
	OnPrice     func(t model.Tick)
	OnState     func(s State)
	OnReconnect func()
	OnDataError func(err error)
	OnPoll      func(err error)
}

// New creates a stopped feed writing into buf. rec may be nil.
func New(cfg Config, buf *candlebuf.Buffer, rec Recorder) *Feed {
	cfg.defaults()
	return &Feed{
		cfg:    cfg,
		buf:    buf,
		rec:    rec,
		client: &http.Client{Timeout: 10 * time.Second},
		dial:   dialWebsocket,
		state:  StateDisconnected,
	}
}

// Start stops any current run, then seeds the buffer with a REST backfill
// and begins streaming (or polling) symbol at interval in the background.
func (f *Feed) Start(ctx context.Context, symbol, interval string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", model.ErrConfig)
	}
	if !Intervals[interval] {
		return fmt.Errorf("%w: unsupported interval %q", model.ErrConfig, interval)
	}
	switch f.cfg.Mode {
	case ModeStream, ModePoll, ModeAuto:
	default:
		return fmt.Errorf("%w: unsupported feed mode %q", model.ErrConfig, f.cfg.Mode)
	}

	f.Stop()

	f.mu.Lock()
	f.gen++
	gen := f.gen
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.symbol = symbol
	f.interval = interval
	f.failures = 0
	f.hasPrice = false
	f.state = StateDisconnected
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(runCtx, gen, symbol, interval)
	}()
	return nil
}

// Stop cancels the current run and waits for its goroutines. Callbacks of the
// stopped run are suppressed. Stop on a stopped feed is a no-op.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.cancel == nil {
		f.mu.Unlock()
		return
	}
	f.gen++
	f.cancel()
	f.cancel = nil
	f.state = StateStopped
	f.mu.Unlock()

	f.wg.Wait()
	if f.OnState != nil {
		f.OnState(StateStopped)
	}
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Failures returns the consecutive stream failure count.
func (f *Feed) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

// Symbol returns the active symbol and interval.
func (f *Feed) Symbol() (symbol, interval string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.symbol, f.interval
}

// LastPrice returns the most recent normalized price; false until one arrived.
func (f *Feed) LastPrice() (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrice, f.hasPrice
}

// Tick returns the last price as a Tick.
func (f *Feed) Tick() (model.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Tick{Symbol: f.symbol, Price: f.lastPrice, TS: f.priceAt}, f.hasPrice
}

// active reports whether gen is still the current run.
func (f *Feed) active(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen == gen
}

func (f *Feed) setState(gen uint64, s State) bool {
	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return false
	}
	changed := f.state != s
	f.state = s
	f.mu.Unlock()

	if changed {
		slog.Info("feed state", slog.String("component", source), slog.String("state", s.String()))
		if f.OnState != nil {
			f.OnState(s)
		}
	}
	return true
}

func (f *Feed) record(gen uint64, tag model.Tag, format string, args ...any) {
	if f.rec == nil || !f.active(gen) {
		return
	}
	f.rec.Append(source, tag, fmt.Sprintf(format, args...))
}

func (f *Feed) run(ctx context.Context, gen uint64, symbol, interval string) {
	f.backfill(ctx, gen, symbol, interval)

	if f.cfg.Mode == ModePoll {
		f.pollLoop(ctx, gen, symbol, interval)
		return
	}
	if failed := f.streamLoop(ctx, gen, symbol, interval); failed && f.cfg.Mode == ModeAuto {
		f.pollLoop(ctx, gen, symbol, interval)
	}
}

func (f *Feed) backfill(ctx context.Context, gen uint64, symbol, interval string) {
	if err := f.pull(ctx, gen, symbol, interval); err != nil && ctx.Err() == nil {
		slog.Warn("feed backfill failed",
			slog.String("component", source),
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		f.record(gen, model.TagInfo, "backfill for %s %s failed: %v", symbol, interval, err)
	}
}

// streamLoop connects and reconnects until ctx ends or the failure bound is
// exceeded; it reports whether the stream reached FAILED.
func (f *Feed) streamLoop(ctx context.Context, gen uint64, symbol, interval string) (failed bool) {
	url := streamURL(f.cfg.StreamURL, symbol, interval)
	for {
		if ctx.Err() != nil || !f.setState(gen, StateConnecting) {
			return false
		}

		err := f.streamOnce(ctx, gen, url)
		if ctx.Err() != nil || !f.active(gen) {
			return false
		}

		f.mu.Lock()
		f.failures++
		n := f.failures
		f.mu.Unlock()

		if n > f.cfg.MaxReconnects {
			f.setState(gen, StateFailed)
			f.record(gen, model.TagError, "stream %s failed after %d consecutive failures: %v", symbol, n, err)
			return true
		}

		slog.Warn("feed disconnected",
			slog.String("component", source),
			slog.Int("failures", n),
			slog.Duration("retry_in", f.cfg.ReconnectDelay),
			slog.String("error", err.Error()),
		)
		f.setState(gen, StateReconnectWait)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		t := time.NewTimer(f.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// streamOnce makes one connection and reads until it breaks.
func (f *Feed) streamOnce(ctx context.Context, gen uint64, url string) error {
	conn, err := f.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("feed: dial: %w: %w", model.ErrConnection, err)
	}

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	if !f.setState(gen, StateConnected) {
		return nil
	}
	slog.Info("feed connected", slog.String("component", source), slog.String("url", url))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed: read: %w: %w", model.ErrConnection, err)
		}
		if !f.active(gen) {
			return nil
		}
		f.handle(gen, raw)
	}
}

// handle applies one stream payload.
func (f *Feed) handle(gen uint64, raw []byte) {
	msg, err := parseMessage(raw)
	if err != nil {
		f.dataError(err)
		return
	}

	switch msg.kind {
	case msgKline:
		op, err := f.buf.Upsert(msg.candle)
		if err != nil {
			f.dataError(err)
			return
		}
		f.accept(gen, decimal.NewFromFloat(msg.candle.Close), time.Now().UTC())
		if f.OnCandle != nil && f.active(gen) {
			f.OnCandle(msg.candle, op)
		}
	case msgTrade:
		tick := f.accept(gen, msg.price, msg.ts)
		if f.OnPrice != nil && f.active(gen) {
			f.OnPrice(tick)
		}
	}
}

// accept records a normalized price and resets the failure counter.
func (f *Feed) accept(gen uint64, price decimal.Decimal, ts time.Time) model.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen == gen {
		f.failures = 0
		f.lastPrice = price
		f.hasPrice = true
		f.priceAt = ts
	}
	return model.Tick{Symbol: f.symbol, Price: price, TS: ts}
}

func (f *Feed) dataError(err error) {
	slog.Debug("feed data error", slog.String("component", source), slog.String("error", err.Error()))
	if f.OnDataError != nil {
		f.OnDataError(err)
	}
}

// pollLoop pulls recent candles every PollInterval until ctx ends. Failures
// are logged once per failing streak; the next pull proceeds regardless.
func (f *Feed) pollLoop(ctx context.Context, gen uint64, symbol, interval string) {
	if !f.setState(gen, StatePolling) {
		return
	}
	f.record(gen, model.TagInfo, "polling %s %s every %s", symbol, interval, f.cfg.PollInterval)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	failing := false
	for {
		err := f.pull(ctx, gen, symbol, interval)
		if ctx.Err() != nil || !f.active(gen) {
			return
		}
		switch {
		case err != nil && !failing:
			failing = true
			f.record(gen, model.TagError, "poll %s failed: %v", symbol, err)
		case err != nil:
			slog.Warn("feed poll failed", slog.String("component", source), slog.String("error", err.Error()))
		case failing:
			failing = false
			f.record(gen, model.TagInfo, "poll %s recovered", symbol)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pull fetches recent candles and merges them into the buffer.
func (f *Feed) pull(ctx context.Context, gen uint64, symbol, interval string) error {
	candles, malformed, err := f.fetchKlines(ctx, symbol, interval, f.cfg.Limit)
	if f.OnPoll != nil && ctx.Err() == nil {
		f.OnPoll(err)
	}
	if err != nil {
		return err
	}
	if !f.active(gen) {
		return nil
	}

	changed, rejected := f.buf.Merge(candles)
	for i := 0; i < malformed+rejected; i++ {
		f.dataError(fmt.Errorf("%w: kline row rejected", model.ErrData))
	}
	if len(candles) > 0 {
		last := candles[len(candles)-1]
		f.accept(gen, decimal.NewFromFloat(last.Close), time.Now().UTC())
	}
	if changed && f.OnResync != nil && f.active(gen) {
		f.OnResync(f.buf.Snapshot())
	}
	if len(candles) == 0 && malformed > 0 {
		return errors.New("feed: klines: every row malformed")
	}
	return nil
}

func streamURL(base, symbol, interval string) string {
	s := strings.ToLower(symbol)
	return fmt.Sprintf("%s/stream?streams=%s@kline_%s/%s@trade", strings.TrimRight(base, "/"), s, interval, s)
}
