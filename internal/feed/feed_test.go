package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptodesk/internal/candlebuf"
	"cryptodesk/internal/model"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

// fakeConn replays msgs, then either fails with io.EOF or blocks until closed.
type fakeConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	block  bool
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(block bool, msgs ...string) *fakeConn {
	c := &fakeConn{block: block, closed: make(chan struct{})}
	for _, m := range msgs {
		c.msgs = append(c.msgs, []byte(m))
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		c.mu.Unlock()
		return 1, m, nil
	}
	c.mu.Unlock()
	if c.block {
		<-c.closed
		return 0, nil, errors.New("use of closed connection")
	}
	return 0, nil, io.EOF
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptDialer hands out script entries in order; a nil entry is a dial
// failure, as is any dial past the end of the script.
type scriptDialer struct {
	mu     sync.Mutex
	script []*fakeConn
	dials  atomic.Int32
	urls   []string
}

func (d *scriptDialer) dial(_ context.Context, url string) (wsConn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.script[0]
	d.script = d.script[1:]
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

type entry struct {
	tag  model.Tag
	text string
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []entry
}

func (r *fakeRecorder) Append(_ string, tag model.Tag, text string) model.LogEntry {
	r.mu.Lock()
	r.entries = append(r.entries, entry{tag, text})
	r.mu.Unlock()
	return model.LogEntry{Tag: tag, Text: text}
}

func (r *fakeRecorder) count(tag model.Tag) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.tag == tag {
			n++
		}
	}
	return n
}

const klinesBody = `[
	[1700000000000,"100","110","95","105","1",1700000059999],
	[1700000060000,"105","106","104","104.5","1",1700000119999]
]`

func klinesServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFeed(t *testing.T, cfg Config, restStatus int, restBody string, d *scriptDialer) (*Feed, *candlebuf.Buffer, *fakeRecorder) {
	t.Helper()
	srv := klinesServer(t, restStatus, restBody)
	cfg.RESTURL = srv.URL
	cfg.StreamURL = "ws://stream.test"
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Millisecond
	}
	buf := candlebuf.New(100)
	rec := &fakeRecorder{}
	f := New(cfg, buf, rec)
	f.dial = d.dial
	t.Cleanup(f.Stop)
	return f, buf, rec
}

const (
	klineMsg = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":1700000120000,"o":"104.5","h":"107","l":"104","c":"106.5"}}}`
	tradeMsg = `{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"106.75","T":1700000125000}}`
)

// ─── Stream ──────────────────────────────────────────────────────────────────

func TestFeed_StreamUpsertsCandlesAndPrice(t *testing.T) {
	conn := newFakeConn(true, klineMsg, `{"result":null,"id":1}`, `{"e":"kline"}`, tradeMsg)
	d := &scriptDialer{script: []*fakeConn{conn}}
	f, buf, _ := newTestFeed(t, Config{Mode: ModeStream}, http.StatusOK, klinesBody, d)

	var (
		mu     sync.Mutex
		ops    []candlebuf.Op
		ticks  []model.Tick
		dataEr atomic.Int32
	)
	f.OnCandle = func(_ model.Candle, op candlebuf.Op) {
		mu.Lock()
		ops = append(ops, op)
		mu.Unlock()
	}
	f.OnPrice = func(tk model.Tick) {
		mu.Lock()
		ticks = append(ticks, tk)
		mu.Unlock()
	}
	f.OnDataError = func(error) { dataEr.Add(1) }

	require.NoError(t, f.Start(context.Background(), "btcusdt", "1m"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateConnected, f.State())
	assert.Equal(t, 3, buf.Len(), "two backfilled candles plus one streamed")
	assert.Equal(t, int32(1), dataEr.Load())

	price, ok := f.LastPrice()
	require.True(t, ok)
	assert.Equal(t, "106.75", price.String())

	mu.Lock()
	assert.Equal(t, []candlebuf.Op{candlebuf.OpAppend}, ops)
	mu.Unlock()

	d.mu.Lock()
	assert.Equal(t, "ws://stream.test/stream?streams=btcusdt@kline_1m/btcusdt@trade", d.urls[0])
	d.mu.Unlock()

	f.Stop()
	assert.Equal(t, StateStopped, f.State())
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection not closed on Stop")
	}
}

func TestFeed_BoundedReconnectReachesFailed(t *testing.T) {
	d := &scriptDialer{}
	f, _, rec := newTestFeed(t, Config{Mode: ModeStream, MaxReconnects: 2}, http.StatusOK, `[]`, d)

	var reconnects atomic.Int32
	f.OnReconnect = func() { reconnects.Add(1) }

	require.NoError(t, f.Start(context.Background(), "BTCUSDT", "1m"))
	require.Eventually(t, func() bool { return f.State() == StateFailed }, time.Second, 2*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), d.dials.Load(), "bound+1 attempts, then no more")
	assert.Equal(t, int32(2), reconnects.Load())
	assert.Equal(t, 3, f.Failures())
	assert.Equal(t, 1, rec.count(model.TagError))
}

func TestFeed_ValidMessageResetsFailureCounter(t *testing.T) {
	d := &scriptDialer{script: []*fakeConn{nil, nil, newFakeConn(false, klineMsg)}}
	f, _, _ := newTestFeed(t, Config{Mode: ModeStream, MaxReconnects: 2}, http.StatusOK, `[]`, d)

	require.NoError(t, f.Start(context.Background(), "BTCUSDT", "1m"))
	require.Eventually(t, func() bool { return f.State() == StateFailed }, time.Second, 2*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	// 2 failures, a good message resets, then EOF + 2 more failures exceed the bound.
	assert.Equal(t, int32(5), d.dials.Load())
}

func TestFeed_AutoFallsBackToPolling(t *testing.T) {
	d := &scriptDialer{}
	f, buf, rec := newTestFeed(t, Config{Mode: ModeAuto, MaxReconnects: 1, PollInterval: 10 * time.Millisecond}, http.StatusOK, klinesBody, d)

	var resyncs atomic.Int32
	f.OnResync = func(s []model.Candle) {
		if len(s) == 2 {
			resyncs.Add(1)
		}
	}

	require.NoError(t, f.Start(context.Background(), "BTCUSDT", "1m"))
	require.Eventually(t, func() bool { return f.State() == StatePolling }, time.Second, 2*time.Millisecond)

	assert.Equal(t, 2, buf.Len())
	assert.GreaterOrEqual(t, resyncs.Load(), int32(1))
	assert.Equal(t, 1, rec.count(model.TagError), "FAILED is journaled once")

	price, ok := f.LastPrice()
	require.True(t, ok)
	assert.Equal(t, "104.5", price.String())
}

// ─── Poll ────────────────────────────────────────────────────────────────────

func TestFeed_PollFailuresJournaledOncePerStreak(t *testing.T) {
	d := &scriptDialer{}
	f, _, rec := newTestFeed(t, Config{Mode: ModePoll, PollInterval: 5 * time.Millisecond}, http.StatusInternalServerError, `{}`, d)

	var polls atomic.Int32
	f.OnPoll = func(err error) {
		if errors.Is(err, model.ErrConnection) {
			polls.Add(1)
		}
	}

	require.NoError(t, f.Start(context.Background(), "BTCUSDT", "1m"))
	require.Eventually(t, func() bool { return polls.Load() >= 4 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, StatePolling, f.State())
	assert.Equal(t, 1, rec.count(model.TagError))
	assert.Zero(t, d.dials.Load(), "poll mode never dials")
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestFeed_StartValidates(t *testing.T) {
	f := New(Config{}, candlebuf.New(10), nil)

	assert.ErrorIs(t, f.Start(context.Background(), " ", "1m"), model.ErrConfig)
	assert.ErrorIs(t, f.Start(context.Background(), "BTCUSDT", "2m"), model.ErrConfig)

	f = New(Config{Mode: "carrier-pigeon"}, candlebuf.New(10), nil)
	assert.ErrorIs(t, f.Start(context.Background(), "BTCUSDT", "1m"), model.ErrConfig)
	assert.Equal(t, StateDisconnected, f.State())
}

func TestFeed_StopSilencesStoppedRun(t *testing.T) {
	d := &scriptDialer{}
	f, _, _ := newTestFeed(t, Config{Mode: ModeStream, MaxReconnects: 1000, ReconnectDelay: 5 * time.Millisecond}, http.StatusOK, `[]`, d)

	var states []State
	var mu sync.Mutex
	f.OnState = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	require.NoError(t, f.Start(context.Background(), "BTCUSDT", "1m"))
	require.Eventually(t, func() bool { return d.dials.Load() >= 2 }, time.Second, time.Millisecond)

	f.Stop()
	n := d.dials.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, d.dials.Load())
	assert.Equal(t, StateStopped, f.State())

	mu.Lock()
	assert.Equal(t, StateStopped, states[len(states)-1])
	mu.Unlock()

	f.Stop() // idempotent
}

func TestFeed_RestartSwitchesSymbol(t *testing.T) {
	d := &scriptDialer{script: []*fakeConn{newFakeConn(true), newFakeConn(true)}}
	f, _, _ := newTestFeed(t, Config{Mode: ModeStream}, http.StatusOK, `[]`, d)

	require.NoError(t, f.Start(context.Background(), "BTCUSDT", "1m"))
	require.Eventually(t, func() bool { return f.State() == StateConnected }, time.Second, time.Millisecond)

	require.NoError(t, f.Start(context.Background(), "ethusdt", "1h"))
	require.Eventually(t, func() bool { return d.dials.Load() == 2 && f.State() == StateConnected }, time.Second, time.Millisecond)

	sym, iv := f.Symbol()
	assert.Equal(t, "ETHUSDT", sym)
	assert.Equal(t, "1h", iv)

	d.mu.Lock()
	assert.Contains(t, d.urls[1], "ethusdt@kline_1h")
	d.mu.Unlock()
}
