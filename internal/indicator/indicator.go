// Package indicator provides technical indicator calculations over candle data.
//
// Every kind has two renditions that must agree: a batch pass over a full
// candle sequence (Recompute) used for display and resync, and an O(1)
// incremental calculator driven one close at a time (State.Step) used on the
// live path. A candle carrying the same open time as the previous step amends
// the in-progress value instead of appending a new one.
package indicator

import (
	"encoding/json"
	"math"
)

// Kind identifies an indicator family.
type Kind string

const (
	KindSMA       Kind = "SMA"
	KindEMA       Kind = "EMA"
	KindRSI       Kind = "RSI"
	KindMACD      Kind = "MACD"
	KindBollinger Kind = "BOLLINGER"
)

// Kinds lists every supported kind in display order.
var Kinds = []Kind{KindRSI, KindSMA, KindEMA, KindMACD, KindBollinger}

// Side selects the buy or sell indicator set.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Calculator is the interface for all incremental indicators.
type Calculator interface {
	// Name returns the indicator name (e.g., "SMA_20", "MACD_12_26_9").
	Name() string

	// Push appends a new close and recalculates.
	Push(x float64)

	// Amend replaces the most recently pushed close and recalculates.
	// Amend before any Push behaves like Push.
	Amend(x float64)

	// Ready returns true when enough data has been accumulated.
	Ready() bool

	// Reading returns the current value. Ready mirrors Ready().
	Reading() Reading
}

// Reading is one indicator value at one candle. Value holds the SMA, EMA and
// RSI value, the MACD line and the Bollinger middle band.
type Reading struct {
	Kind      Kind    `json:"kind"`
	OpenTime  int64   `json:"openTime"`
	Ready     bool    `json:"ready"`
	Value     float64 `json:"value"`
	Signal    float64 `json:"signal,omitempty"`
	Histogram float64 `json:"histogram,omitempty"`
	Upper     float64 `json:"upper,omitempty"`
	Lower     float64 `json:"lower,omitempty"`
}

// MarshalJSON renders only the fields meaningful for the kind, and a null
// value when the reading is not available yet.
func (r Reading) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"kind":     r.Kind,
		"openTime": r.OpenTime,
		"ready":    r.Ready,
	}
	if !r.Ready {
		out["value"] = nil
		return json.Marshal(out)
	}
	out["value"] = finite(r.Value)
	switch r.Kind {
	case KindMACD:
		out["signal"] = finite(r.Signal)
		out["histogram"] = finite(r.Histogram)
	case KindBollinger:
		out["upper"] = finite(r.Upper)
		out["lower"] = finite(r.Lower)
	}
	return json.Marshal(out)
}

// Series is one Reading per candle of the source sequence.
type Series []Reading

// Last returns the final reading of the series.
func (s Series) Last() (Reading, bool) {
	if len(s) == 0 {
		return Reading{}, false
	}
	return s[len(s)-1], true
}

func finite(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
