package indicator

import "fmt"

// EMA calculates Exponential Moving Average seeded with the first close.
// Multiplier k = 2 / (period + 1).
//
// The previous value is kept alongside the current one so the in-progress
// candle can be amended without replaying history.
type EMA struct {
	period int
	k      float64
	count  int
	prev   float64 // value before the most recent close
	cur    float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period: period,
		k:      2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return fmt.Sprintf("EMA_%d", e.period) }

func (e *EMA) Push(x float64) {
	e.prev = e.cur
	e.cur = e.next(x, e.count == 0)
	e.count++
}

func (e *EMA) Amend(x float64) {
	if e.count == 0 {
		e.Push(x)
		return
	}
	e.cur = e.next(x, e.count == 1)
}

func (e *EMA) next(x float64, seed bool) float64 {
	if seed {
		return x
	}
	return emaStep(x, e.prev, e.k)
}

func (e *EMA) Ready() bool { return e.count >= e.period }

// Value returns the current EMA regardless of readiness.
func (e *EMA) Value() float64 { return e.cur }

func (e *EMA) Reading() Reading {
	r := Reading{Kind: KindEMA, Ready: e.Ready()}
	if r.Ready {
		r.Value = e.cur
	}
	return r
}

// emaStep is shared with the batch pass so both renditions round identically.
func emaStep(x, prev, k float64) float64 {
	return x*k + prev*(1-k)
}
