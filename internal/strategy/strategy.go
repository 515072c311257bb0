// Package strategy evaluates the buy and sell conditions of a side's enabled
// indicators against the latest close.
//
// Buy:  MACD > signal AND (close <= lower band OR RSI <= 30 OR close > SMA/EMA)
// Sell: MACD < signal AND (close >= upper band OR RSI >= 70 OR close < SMA/EMA)
//
// Each term only participates when its indicator is enabled on that side.
package strategy

import (
	"fmt"
	"strings"

	"cryptodesk/internal/indicator"
)

// RSI thresholds of the trigger group.
const (
	RSIOversold   = 30.0
	RSIOverbought = 70.0
)

// Action is the combined outcome of both sides.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// SideResult is the condition outcome of one side.
type SideResult struct {
	Side    indicator.Side `json:"side"`
	Decided bool           `json:"decided"` // false while any enabled indicator warms up
	Signal  bool           `json:"signal"`
	Reasons []string       `json:"reasons,omitempty"`
}

// Evaluation is both sides evaluated at one close.
type Evaluation struct {
	Close float64    `json:"close"`
	Buy   SideResult `json:"buy"`
	Sell  SideResult `json:"sell"`
}

// Evaluate applies the conditions to the latest readings of each side.
func Evaluate(close float64, buy, sell map[indicator.Kind]indicator.Reading) Evaluation {
	return Evaluation{
		Close: close,
		Buy:   evaluateSide(indicator.SideBuy, close, buy),
		Sell:  evaluateSide(indicator.SideSell, close, sell),
	}
}

func evaluateSide(side indicator.Side, close float64, rs map[indicator.Kind]indicator.Reading) SideResult {
	res := SideResult{Side: side}
	if len(rs) == 0 {
		res.Decided = true
		res.Reasons = []string{"no indicators enabled"}
		return res
	}
	for _, k := range indicator.Kinds {
		if r, ok := rs[k]; ok && !r.Ready {
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s warming up", k))
		}
	}
	if len(res.Reasons) > 0 {
		return res
	}
	res.Decided = true

	buy := side == indicator.SideBuy
	gate := true
	if m, ok := rs[indicator.KindMACD]; ok {
		if buy {
			gate = m.Value > m.Signal
		} else {
			gate = m.Value < m.Signal
		}
		res.Reasons = append(res.Reasons, fmt.Sprintf("MACD %.4f vs signal %.4f", m.Value, m.Signal))
	}

	var (
		members int
		trigger bool
	)
	hit := func(ok bool, format string, args ...any) {
		members++
		if ok {
			trigger = true
			res.Reasons = append(res.Reasons, fmt.Sprintf(format, args...))
		}
	}
	if b, ok := rs[indicator.KindBollinger]; ok {
		if buy {
			hit(close <= b.Lower, "close %.2f at/below lower band %.2f", close, b.Lower)
		} else {
			hit(close >= b.Upper, "close %.2f at/above upper band %.2f", close, b.Upper)
		}
	}
	if r, ok := rs[indicator.KindRSI]; ok {
		if buy {
			hit(r.Value <= RSIOversold, "RSI %.2f oversold", r.Value)
		} else {
			hit(r.Value >= RSIOverbought, "RSI %.2f overbought", r.Value)
		}
	}
	for _, k := range []indicator.Kind{indicator.KindSMA, indicator.KindEMA} {
		if a, ok := rs[k]; ok {
			if buy {
				hit(close > a.Value, "close %.2f above %s %.2f", close, k, a.Value)
			} else {
				hit(close < a.Value, "close %.2f below %s %.2f", close, k, a.Value)
			}
		}
	}

	_, hasMACD := rs[indicator.KindMACD]
	if members == 0 {
		res.Signal = hasMACD && gate
	} else {
		res.Signal = gate && trigger
	}
	return res
}

// Action folds both sides; conflicting or undecided sides hold.
func (e Evaluation) Action() Action {
	buy := e.Buy.Decided && e.Buy.Signal
	sell := e.Sell.Decided && e.Sell.Signal
	switch {
	case buy && !sell:
		return ActionBuy
	case sell && !buy:
		return ActionSell
	default:
		return ActionHold
	}
}

// Summary renders a one-line description for the run log.
func (e Evaluation) Summary() string {
	return fmt.Sprintf("local conditions @ %.2f: %s | buy: %s | sell: %s",
		e.Close, e.Action(), describe(e.Buy), describe(e.Sell))
}

func describe(r SideResult) string {
	state := "no signal"
	switch {
	case !r.Decided:
		state = "undecided"
	case r.Signal:
		state = "signal"
	}
	if len(r.Reasons) == 0 {
		return state
	}
	return state + " (" + strings.Join(r.Reasons, "; ") + ")"
}
