// Package candlebuf provides the bounded, time-ordered candle window for one
// symbol/interval pair. It is the single source of truth the indicator engine
// and the UI read from.
//
// Writes (Upsert, Merge, Reset) are serialized by a mutex; readers only ever
// receive copies, so a concurrent upsert can never tear a snapshot.
package candlebuf

import (
	"fmt"
	"sort"
	"sync"

	"cryptodesk/internal/model"
)

// DefaultCapacity matches the REST backfill limit plus headroom for the
// longest default indicator period (SMA 200).
const DefaultCapacity = 500

// Op describes what an Upsert did to the buffer.
type Op int

const (
	OpNone    Op = iota // identical candle, nothing changed
	OpAppend            // new newest candle
	OpAmend             // in-progress newest candle replaced
	OpReorder           // an older candle was inserted or replaced
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpAppend:
		return "append"
	case OpAmend:
		return "amend"
	case OpReorder:
		return "reorder"
	default:
		return "unknown"
	}
}

// Buffer is an ascending, openTime-keyed candle window with a fixed capacity.
type Buffer struct {
	mu      sync.RWMutex
	candles []model.Candle
	cap     int

	evicted uint64
}

// New creates a buffer. Capacity below 1 falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		candles: make([]model.Candle, 0, capacity),
		cap:     capacity,
	}
}

// Upsert inserts c or replaces the candle with the same OpenTime. The oldest
// candle is evicted when a new one would exceed capacity. Malformed candles
// return an error wrapping model.ErrData and leave the buffer unchanged.
func (b *Buffer) Upsert(c model.Candle) (Op, error) {
	if err := c.Validate(); err != nil {
		return OpNone, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upsertLocked(c)
}

func (b *Buffer) upsertLocked(c model.Candle) (Op, error) {
	n := len(b.candles)

	// Fast path: the feed almost always touches the newest candle.
	if n == 0 || c.OpenTime > b.candles[n-1].OpenTime {
		if n == b.cap {
			copy(b.candles, b.candles[1:])
			b.candles = b.candles[:n-1]
			b.evicted++
		}
		b.candles = append(b.candles, c)
		return OpAppend, nil
	}
	if c.OpenTime == b.candles[n-1].OpenTime {
		if b.candles[n-1] == c {
			return OpNone, nil
		}
		b.candles[n-1] = c
		return OpAmend, nil
	}

	i := sort.Search(n, func(i int) bool { return b.candles[i].OpenTime >= c.OpenTime })
	if i < n && b.candles[i].OpenTime == c.OpenTime {
		if b.candles[i] == c {
			return OpNone, nil
		}
		b.candles[i] = c
		return OpReorder, nil
	}
	if i == 0 && n == b.cap {
		return OpNone, fmt.Errorf("%w: candle %d older than retained window", model.ErrData, c.OpenTime)
	}
	if n == b.cap {
		// Evict the oldest, then insert at the shifted position.
		copy(b.candles, b.candles[1:])
		b.candles = b.candles[:n-1]
		b.evicted++
		i--
	}
	b.candles = append(b.candles, model.Candle{})
	copy(b.candles[i+1:], b.candles[i:])
	b.candles[i] = c
	return OpReorder, nil
}

// Merge upserts a batch (e.g. a REST snapshot) under a single lock so readers
// never observe a half-merged window. Malformed candles are skipped and
// reported via the returned error count.
func (b *Buffer) Merge(candles []model.Candle) (changed bool, rejected int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			rejected++
			continue
		}
		op, err := b.upsertLocked(c)
		if err != nil {
			rejected++
			continue
		}
		if op != OpNone {
			changed = true
		}
	}
	return changed, rejected
}

// Snapshot returns a copy of the window in ascending OpenTime order.
func (b *Buffer) Snapshot() []model.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cp := make([]model.Candle, len(b.candles))
	copy(cp, b.candles)
	return cp
}

// Last returns the newest candle.
func (b *Buffer) Last() (model.Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.candles) == 0 {
		return model.Candle{}, false
	}
	return b.candles[len(b.candles)-1], true
}

// Len returns the number of candles held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.candles)
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return b.cap
}

// Evicted returns how many candles were dropped off the old end.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// Reset empties the buffer, e.g. when the session switches symbol.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.candles = b.candles[:0]
	b.evicted = 0
	b.mu.Unlock()
}
