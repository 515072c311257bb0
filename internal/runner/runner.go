// Package runner drives backtest and live-test runs against the external
// strategy backend and folds their results into the journal.
//
// A live test moves IDLE → STARTING → RUNNING → STOPPING → IDLE. While
// RUNNING a background loop polls the backend every CheckInterval; a failed
// check ends the run. Every state change and every loop callback is guarded
// by a run generation so a late timer or response never revives a stopped run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cryptodesk/internal/id"
	"cryptodesk/internal/indicator"
	"cryptodesk/internal/logger"
	"cryptodesk/internal/model"
	"cryptodesk/internal/strategy"
)

const source = "runner"

// State is the live-test run state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := State(0); st <= StateStopping; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// ErrBusy is returned when a live test is already starting or running.
var ErrBusy = errors.New("runner: a live test is already active")

// Request describes a backtest or live-test run.
type Request struct {
	Symbol     string              `json:"symbol"`
	Timeframe  string              `json:"timeframe"`
	PeriodDays int                 `json:"period,omitempty"` // backtest only
	Buy        indicator.ConfigSet `json:"buyIndicators"`
	Sell       indicator.ConfigSet `json:"sellIndicators"`
}

// Validate normalizes and checks the request.
func (r *Request) Validate(backtest bool) error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", model.ErrConfig)
	}
	if r.Timeframe == "" {
		return fmt.Errorf("%w: empty timeframe", model.ErrConfig)
	}
	if backtest && r.PeriodDays <= 0 {
		return fmt.Errorf("%w: backtest period %d days must be positive", model.ErrConfig, r.PeriodDays)
	}
	r.Buy = r.Buy.Normalize()
	r.Sell = r.Sell.Normalize()
	if err := r.Buy.Validate(); err != nil {
		return fmt.Errorf("buy: %w", err)
	}
	if err := r.Sell.Validate(); err != nil {
		return fmt.Errorf("sell: %w", err)
	}
	return nil
}

// Recorder receives the run log.
type Recorder interface {
	Append(source string, tag model.Tag, text string) model.LogEntry
}

// LocalEvaluator produces the desk's own condition evaluation on the latest
// candle; ok is false while no candle is available.
type LocalEvaluator interface {
	Evaluate() (eval strategy.Evaluation, ok bool)
}

// Config tunes the runner.
type Config struct {
	// CheckInterval is the live-test poll period. Defaults to 5s.
	CheckInterval time.Duration
}

// Status is a point-in-time view of the runner.
type Status struct {
	State     State     `json:"state"`
	RunID     string    `json:"runId,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Timeframe string    `json:"timeframe,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"lastCheck,omitempty"`
}

// Runner owns one live-test run at a time. All exported methods are safe for
// concurrent use.
type Runner struct {
	cfg     Config
	backend Backend
	rec     Recorder
	local   LocalEvaluator

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	req    Request
	status Status

	// checkMu serializes checks so StopLiveTest can drain an in-flight one.
	checkMu sync.Mutex
	wg      sync.WaitGroup

	// Hooks (optional). OnState runs outside the lock, in transition order.
	OnState func(Status)
	OnCheck func(err error)
}

// New creates an idle runner.
func New(cfg Config, backend Backend, rec Recorder) *Runner {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Runner{cfg: cfg, backend: backend, rec: rec}
}

// SetLocal attaches the evaluator used for per-check condition summaries.
func (r *Runner) SetLocal(l LocalEvaluator) {
	r.mu.Lock()
	r.local = l
	r.mu.Unlock()
}

// Status returns the current run status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// State returns the current run state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) record(tag model.Tag, format string, args ...any) {
	if r.rec != nil {
		r.rec.Append(source, tag, fmt.Sprintf(format, args...))
	}
}

// transitionLocked sets the state and returns the status to publish.
func (r *Runner) transitionLocked(s State) Status {
	r.state = s
	r.status.State = s
	if s == StateIdle {
		r.cancel = nil
	}
	return r.status
}

func (r *Runner) publish(st Status) {
	slog.Info("run state", slog.String("component", source), slog.String("state", st.State.String()), slog.String("run_id", st.RunID))
	if r.OnState != nil {
		r.OnState(st)
	}
}

// RunBacktest sends a one-shot backtest and folds the result into the log.
// The run state is never touched.
func (r *Runner) RunBacktest(ctx context.Context, req Request) (BacktestResult, error) {
	if err := req.Validate(true); err != nil {
		return BacktestResult{}, err
	}
	ctx = logger.WithRunID(ctx, id.New())
	slog.Info("backtest requested", append([]any{
		slog.String("component", source),
		slog.String("symbol", req.Symbol),
		slog.String("timeframe", req.Timeframe),
		slog.Int("days", req.PeriodDays),
	}, logger.LogWithRun(ctx)...)...)
	r.record(model.TagInfo, "backtest %s %s over %d days started", req.Symbol, req.Timeframe, req.PeriodDays)

	res, err := r.backend.Backtest(ctx, req)
	if err != nil {
		r.record(model.TagError, "backtest %s failed: %v", req.Symbol, err)
		return BacktestResult{}, err
	}

	r.record(model.TagInfo, "backtest %s %s: %s", req.Symbol, req.Timeframe, res.Summary())
	for _, t := range res.Trades {
		r.record(tradeTag(t.Side), "%s", t.Describe())
	}
	for _, l := range res.Logs {
		r.record(model.TagInfo, "%s", l)
	}
	return res, nil
}

// StartLiveTest moves IDLE → STARTING, asks the backend to start and, on
// success, enters RUNNING with a background check loop. A failed start
// returns to IDLE.
func (r *Runner) StartLiveTest(ctx context.Context, req Request) error {
	if err := req.Validate(false); err != nil {
		return err
	}

	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrBusy
	}
	r.gen++
	gen := r.gen
	r.req = req
	r.status = Status{RunID: id.New(), Symbol: req.Symbol, Timeframe: req.Timeframe}
	st := r.transitionLocked(StateStarting)
	r.mu.Unlock()
	r.publish(st)

	runCtx := logger.WithRunID(context.Background(), st.RunID)
	res, err := r.backend.StartLiveTest(logger.WithRunID(ctx, st.RunID), req)

	r.mu.Lock()
	if r.gen != gen {
		// Stopped while starting.
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		st = r.transitionLocked(StateIdle)
		r.mu.Unlock()
		r.publish(st)
		r.record(model.TagError, "live test %s failed to start: %v", req.Symbol, err)
		return err
	}
	loopCtx, cancel := context.WithCancel(runCtx)
	r.cancel = cancel
	r.status.StartedAt = time.Now().UTC()
	st = r.transitionLocked(StateRunning)
	r.wg.Add(1)
	r.mu.Unlock()

	r.publish(st)
	msg := res.Message
	if msg == "" {
		msg = "started"
	}
	r.record(model.TagInfo, "live test %s %s: %s", req.Symbol, req.Timeframe, msg)

	go func() {
		defer r.wg.Done()
		r.loop(loopCtx, gen)
	}()
	return nil
}

func (r *Runner) loop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.check(ctx, gen)
		}
	}
}

// CheckLiveTest polls the backend once. It is a no-op unless RUNNING.
func (r *Runner) CheckLiveTest(ctx context.Context) error {
	return r.check(ctx, 0)
}

// check polls for run gen (0 means whichever run is current).
func (r *Runner) check(ctx context.Context, gen uint64) error {
	if r.State() != StateRunning {
		return nil
	}
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	r.mu.Lock()
	if r.state != StateRunning || (gen != 0 && gen != r.gen) {
		r.mu.Unlock()
		return nil
	}
	gen = r.gen
	symbol := r.req.Symbol
	runID := r.status.RunID
	local := r.local
	r.mu.Unlock()

	res, err := r.backend.CheckLiveTest(logger.WithRunID(ctx, runID), symbol)

	r.mu.Lock()
	if r.gen != gen || r.state != StateRunning {
		r.mu.Unlock()
		return nil
	}
	r.status.Checks++
	r.status.LastCheck = time.Now().UTC()
	var st Status
	if err != nil {
		r.gen++
		if r.cancel != nil {
			r.cancel()
		}
		st = r.transitionLocked(StateIdle)
	}
	r.mu.Unlock()

	if r.OnCheck != nil {
		r.OnCheck(err)
	}
	if err != nil {
		r.publish(st)
		r.record(model.TagError, "live test %s stopped: check failed: %v", symbol, err)
		return err
	}

	r.fold(res)
	if local != nil {
		if eval, ok := local.Evaluate(); ok {
			r.record(model.TagInfo, "%s", eval.Summary())
		}
	}
	return nil
}

// fold appends the trade and log messages of one check.
func (r *Runner) fold(res CheckResult) {
	switch {
	case res.TradeExecuted:
		msg := res.Message
		if msg == "" {
			msg = "trade executed"
		}
		r.record(tradeTag(res.Side), "%s", msg)
	case res.Message != "":
		r.record(model.TagInfo, "%s", res.Message)
	}
	if line := res.IndicatorLine(); line != "" {
		r.record(model.TagInfo, "%s", line)
	}
	for _, l := range res.Logs {
		r.record(model.TagInfo, "%s", l)
	}
}

// StopLiveTest ends the current run: RUNNING → STOPPING → IDLE. It cancels
// the check loop and waits for an in-flight check before returning. Stopping
// an idle runner is a no-op.
func (r *Runner) StopLiveTest() {
	r.mu.Lock()
	switch r.state {
	case StateIdle, StateStopping:
		r.mu.Unlock()
		return
	case StateStarting:
		r.gen++
		st := r.transitionLocked(StateIdle)
		sym := r.req.Symbol
		r.mu.Unlock()
		r.publish(st)
		r.record(model.TagInfo, "live test %s cancelled while starting", sym)
		return
	}
	r.gen++
	if r.cancel != nil {
		r.cancel()
	}
	st := r.transitionLocked(StateStopping)
	sym := r.req.Symbol
	r.mu.Unlock()
	r.publish(st)

	// The loop exits on cancel; a caller-driven CheckLiveTest holds checkMu.
	r.wg.Wait()
	r.checkMu.Lock()
	r.mu.Lock()
	st = r.transitionLocked(StateIdle)
	r.mu.Unlock()
	r.checkMu.Unlock()
	r.publish(st)
	r.record(model.TagInfo, "live test %s stopped", sym)
}

func tradeTag(side string) model.Tag {
	switch strings.ToUpper(side) {
	case "BUY":
		return model.TagTradeBuy
	case "SELL":
		return model.TagTradeSell
	default:
		return model.TagInfo
	}
}
