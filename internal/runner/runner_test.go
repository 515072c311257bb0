package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptodesk/internal/indicator"
	"cryptodesk/internal/model"
	"cryptodesk/internal/strategy"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeBackend struct {
	backtest func(Request) (BacktestResult, error)
	start    func(Request) (StartResult, error)
	check    func(context.Context) (CheckResult, error)

	starts atomic.Int32
	checks atomic.Int32
}

func (f *fakeBackend) Backtest(_ context.Context, req Request) (BacktestResult, error) {
	return f.backtest(req)
}

func (f *fakeBackend) StartLiveTest(_ context.Context, req Request) (StartResult, error) {
	f.starts.Add(1)
	if f.start == nil {
		return StartResult{Message: "live test started"}, nil
	}
	return f.start(req)
}

func (f *fakeBackend) CheckLiveTest(ctx context.Context, _ string) (CheckResult, error) {
	f.checks.Add(1)
	if f.check == nil {
		return CheckResult{}, nil
	}
	return f.check(ctx)
}

type logLine struct {
	tag  model.Tag
	text string
}

type fakeRecorder struct {
	mu    sync.Mutex
	lines []logLine
}

func (r *fakeRecorder) Append(_ string, tag model.Tag, text string) model.LogEntry {
	r.mu.Lock()
	r.lines = append(r.lines, logLine{tag, text})
	r.mu.Unlock()
	return model.LogEntry{Tag: tag, Text: text}
}

func (r *fakeRecorder) all() []logLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logLine(nil), r.lines...)
}

func (r *fakeRecorder) tags() []model.Tag {
	var out []model.Tag
	for _, l := range r.all() {
		out = append(out, l.tag)
	}
	return out
}

type fixedEval struct{ eval strategy.Evaluation }

func (f fixedEval) Evaluate() (strategy.Evaluation, bool) { return f.eval, true }

func liveReq() Request {
	return Request{Symbol: "btcusdt", Timeframe: "1m", Buy: indicator.DefaultBuy(), Sell: indicator.DefaultSell()}
}

func newRunner(b Backend) (*Runner, *fakeRecorder) {
	rec := &fakeRecorder{}
	return New(Config{CheckInterval: time.Hour}, b, rec), rec
}

// ─── Backtest ────────────────────────────────────────────────────────────────

func TestRunBacktest_FoldsResult(t *testing.T) {
	wr := 50.0
	b := &fakeBackend{backtest: func(req Request) (BacktestResult, error) {
		assert.Equal(t, "BTCUSDT", req.Symbol)
		return BacktestResult{
			Profit: 123.456, TradeCount: 2, WinRate: &wr,
			Trades: []BacktestTrade{{Side: "buy", Price: 50000}, {Side: "sell", Price: 51000, Profit: 20}},
			Logs:   []string{"loaded 720 candles"},
		}, nil
	}}
	r, rec := newRunner(b)

	req := liveReq()
	req.PeriodDays = 30
	res, err := r.RunBacktest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TradeCount)

	lines := rec.all()
	require.Len(t, lines, 5)
	assert.Contains(t, lines[1].text, "profit 123.46 USDT, 2 trades, win rate 50.00%")
	assert.Equal(t, []model.Tag{model.TagInfo, model.TagInfo, model.TagTradeBuy, model.TagTradeSell, model.TagInfo}, rec.tags())
	assert.Equal(t, StateIdle, r.State())
}

func TestRunBacktest_FailureLogsAndKeepsState(t *testing.T) {
	b := &fakeBackend{backtest: func(Request) (BacktestResult, error) {
		return BacktestResult{}, &model.BackendError{Op: OpBacktest, Message: "no data"}
	}}
	r, rec := newRunner(b)

	req := liveReq()
	req.PeriodDays = 7
	_, err := r.RunBacktest(context.Background(), req)
	require.ErrorIs(t, err, model.ErrBackend)
	assert.Equal(t, model.TagError, rec.all()[1].tag)
	assert.Equal(t, StateIdle, r.State())
}

func TestRunBacktest_RejectsBadRequest(t *testing.T) {
	r, _ := newRunner(&fakeBackend{})

	_, err := r.RunBacktest(context.Background(), liveReq())
	assert.ErrorIs(t, err, model.ErrConfig, "period required")

	req := liveReq()
	req.PeriodDays = 1
	req.Buy = indicator.ConfigSet{indicator.KindMACD: {Enabled: true, FastPeriod: 26, SlowPeriod: 12, SignalPeriod: 9}}
	_, err = r.RunBacktest(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrConfig)
}

// ─── Live test ───────────────────────────────────────────────────────────────

func TestLiveTest_StartCheckStop(t *testing.T) {
	b := &fakeBackend{check: func(context.Context) (CheckResult, error) {
		return CheckResult{
			TradeExecuted: true, Side: "BUY", Message: "bought 0.01 BTC @ 64000",
			IndicatorValues: map[string]float64{"RSI": 28.5},
		}, nil
	}}
	r, rec := newRunner(b)
	r.SetLocal(fixedEval{strategy.Evaluation{Close: 64000}})

	var states []State
	var mu sync.Mutex
	r.OnState = func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	}

	require.NoError(t, r.StartLiveTest(context.Background(), liveReq()))
	assert.Equal(t, StateRunning, r.State())
	assert.NotEmpty(t, r.Status().RunID)
	assert.ErrorIs(t, r.StartLiveTest(context.Background(), liveReq()), ErrBusy)

	require.NoError(t, r.CheckLiveTest(context.Background()))
	assert.Equal(t, 1, r.Status().Checks)

	r.StopLiveTest()
	assert.Equal(t, StateIdle, r.State())
	r.StopLiveTest() // idempotent

	mu.Lock()
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateIdle}, states)
	mu.Unlock()

	tags := rec.tags()
	assert.Equal(t, []model.Tag{model.TagInfo, model.TagTradeBuy, model.TagInfo, model.TagInfo, model.TagInfo}, tags)
	lines := rec.all()
	assert.Equal(t, "indicators: RSI=28.5000", lines[2].text)
	assert.Contains(t, lines[3].text, "local conditions")
	assert.Contains(t, lines[4].text, "stopped")
}

func TestLiveTest_StartFailureReturnsToIdle(t *testing.T) {
	b := &fakeBackend{start: func(Request) (StartResult, error) {
		return StartResult{}, &model.BackendError{Op: OpStart, Status: 503}
	}}
	r, rec := newRunner(b)

	err := r.StartLiveTest(context.Background(), liveReq())
	require.ErrorIs(t, err, model.ErrBackend)
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, []model.Tag{model.TagError}, rec.tags())
}

func TestLiveTest_CheckIsNoopUnlessRunning(t *testing.T) {
	b := &fakeBackend{}
	r, rec := newRunner(b)

	require.NoError(t, r.CheckLiveTest(context.Background()))
	assert.Zero(t, b.checks.Load())
	assert.Equal(t, StateIdle, r.State())
	assert.Empty(t, rec.all())

	// STOPPING: hold a check in flight, stop, then check from outside.
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	b.check = func(context.Context) (CheckResult, error) {
		entered <- struct{}{}
		<-release
		return CheckResult{}, nil
	}
	require.NoError(t, r.StartLiveTest(context.Background(), liveReq()))
	go func() { _ = r.CheckLiveTest(context.Background()) }()
	<-entered

	stopped := make(chan struct{})
	go func() {
		r.StopLiveTest()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return r.State() == StateStopping }, time.Second, time.Millisecond)

	require.NoError(t, r.CheckLiveTest(context.Background()))
	assert.Equal(t, int32(1), b.checks.Load(), "no backend call while STOPPING")
	assert.Equal(t, StateStopping, r.State())

	close(release)
	<-stopped
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, 0, r.Status().Checks, "late response of a stopped run is ignored")
}

func TestLiveTest_CheckFailureStopsRun(t *testing.T) {
	b := &fakeBackend{check: func(context.Context) (CheckResult, error) {
		return CheckResult{}, &model.BackendError{Op: OpCheck, Err: errors.New("connection reset")}
	}}
	r, rec := newRunner(b)

	require.NoError(t, r.StartLiveTest(context.Background(), liveReq()))
	err := r.CheckLiveTest(context.Background())
	require.ErrorIs(t, err, model.ErrBackend)
	assert.Equal(t, StateIdle, r.State())

	tags := rec.tags()
	assert.Equal(t, model.TagError, tags[len(tags)-1])

	// Next check is a no-op and a new run can start.
	require.NoError(t, r.CheckLiveTest(context.Background()))
	assert.Equal(t, int32(1), b.checks.Load())
	require.NoError(t, r.StartLiveTest(context.Background(), liveReq()))
	r.StopLiveTest()
}

func TestLiveTest_LoopPollsAndStopCancels(t *testing.T) {
	b := &fakeBackend{check: func(ctx context.Context) (CheckResult, error) {
		return CheckResult{Message: "no trade"}, nil
	}}
	rec := &fakeRecorder{}
	r := New(Config{CheckInterval: 5 * time.Millisecond}, b, rec)

	var checks atomic.Int32
	r.OnCheck = func(err error) {
		if err == nil {
			checks.Add(1)
		}
	}

	require.NoError(t, r.StartLiveTest(context.Background(), liveReq()))
	require.Eventually(t, func() bool { return checks.Load() >= 3 }, time.Second, time.Millisecond)

	r.StopLiveTest()
	n := b.checks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, b.checks.Load(), "no checks after stop")
}

func TestLiveTest_StopWhileStarting(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{start: func(Request) (StartResult, error) {
		<-release
		return StartResult{}, nil
	}}
	r, _ := newRunner(b)

	done := make(chan error, 1)
	go func() { done <- r.StartLiveTest(context.Background(), liveReq()) }()
	require.Eventually(t, func() bool { return r.State() == StateStarting }, time.Second, time.Millisecond)

	r.StopLiveTest()
	assert.Equal(t, StateIdle, r.State())
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, r.State(), "late start response does not resurrect the run")
}
