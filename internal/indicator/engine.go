package indicator

import (
	"sync"

	"cryptodesk/internal/model"
)

// Engine holds the buy and sell indicator sets and their live states for the
// active symbol. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	src    model.CandleSource
	sets   map[Side]ConfigSet
	states map[Side]map[Kind]*State
	latest map[Side]map[Kind]Reading

	resyncs uint64
	evicted uint64 // src eviction count the live states were built against
}

// evictionCounter is implemented by bounded sources that drop old candles.
type evictionCounter interface {
	Evicted() uint64
}

// NewEngine creates an engine primed with the default buy and sell sets.
// src supplies the candle snapshot used when configuring; it may be nil.
func NewEngine(src model.CandleSource) *Engine {
	e := &Engine{
		src:    src,
		sets:   make(map[Side]ConfigSet, 2),
		states: make(map[Side]map[Kind]*State, 2),
		latest: make(map[Side]map[Kind]Reading, 2),
	}
	snap := e.snapshot()
	if ec, ok := src.(evictionCounter); ok {
		e.evicted = ec.Evicted()
	}
	_ = e.configureLocked(SideBuy, DefaultBuy(), snap)
	_ = e.configureLocked(SideSell, DefaultSell(), snap)
	return e
}

func (e *Engine) snapshot() []model.Candle {
	if e.src == nil {
		return nil
	}
	return e.src.Snapshot()
}

// Configure validates set and installs it for side. States whose parameters
// did not change are kept; new or changed ones are recomputed from the
// current candle snapshot. On error the previous set stays in force.
func (e *Engine) Configure(side Side, set ConfigSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configureLocked(side, set, e.snapshot())
}

func (e *Engine) configureLocked(side Side, set ConfigSet, snap []model.Candle) error {
	if !side.Valid() {
		return errUnknownSide(side)
	}
	set = set.Normalize()
	if err := set.Validate(); err != nil {
		return err
	}

	old := e.states[side]
	states := make(map[Kind]*State, len(set))
	latest := make(map[Kind]Reading, len(set))
	for _, c := range set.Enabled() {
		if st, ok := old[c.Kind]; ok && st.Config().sameParams(c) {
			states[c.Kind] = st
			latest[c.Kind] = e.latest[side][c.Kind]
			continue
		}
		st, err := NewState(c)
		if err != nil {
			return err
		}
		latest[c.Kind] = st.Replay(snap)
		states[c.Kind] = st
	}
	e.sets[side] = set
	e.states[side] = states
	e.latest[side] = latest
	return nil
}

// Step advances every live state by c. A candle older than the last one seen
// triggers a full resync from the source snapshot instead; Step reports
// whether that happened.
func (e *Engine) Step(c model.Candle) (resynced bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, states := range e.states {
		for _, st := range states {
			if c.OpenTime < st.LastOpenTime() {
				e.resyncLocked(e.snapshot())
				return true
			}
		}
	}
	if e.windowMovedLocked() {
		// the oldest candle left the window: EMA, RSI and MACD carry it
		// forever, so every state is rebuilt over the current window
		e.rebuildLocked(e.snapshot())
		return false
	}
	for side, states := range e.states {
		for k, st := range states {
			e.latest[side][k] = st.Step(c)
		}
	}
	return false
}

// windowMovedLocked reports whether the source evicted candles since the
// states were last built, and records the new count.
func (e *Engine) windowMovedLocked() bool {
	ec, ok := e.src.(evictionCounter)
	if !ok {
		return false
	}
	n := ec.Evicted()
	if n == e.evicted {
		return false
	}
	e.evicted = n
	return true
}

// Resync discards all live states and rebuilds them from candles.
func (e *Engine) Resync(candles []model.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resyncLocked(candles)
}

func (e *Engine) resyncLocked(candles []model.Candle) {
	e.rebuildLocked(candles)
	e.resyncs++
}

func (e *Engine) rebuildLocked(candles []model.Candle) {
	if ec, ok := e.src.(evictionCounter); ok {
		e.evicted = ec.Evicted()
	}
	for side, states := range e.states {
		for k, st := range states {
			fresh, err := NewState(st.Config())
			if err != nil {
				// configs were validated on install
				continue
			}
			e.latest[side][k] = fresh.Replay(candles)
			states[k] = fresh
		}
	}
}

// Latest returns a copy of the most recent reading per enabled kind.
func (e *Engine) Latest(side Side) map[Kind]Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Kind]Reading, len(e.latest[side]))
	for k, r := range e.latest[side] {
		out[k] = r
	}
	return out
}

// Configs returns a copy of the installed set for side.
func (e *Engine) Configs(side Side) ConfigSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sets[side].Clone()
}

// Series recomputes the display series of side over candles.
func (e *Engine) Series(side Side, candles []model.Candle) map[Kind]Series {
	set := e.Configs(side)
	return Recompute(candles, set)
}

// Resyncs counts full rebuilds since creation.
func (e *Engine) Resyncs() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resyncs
}
