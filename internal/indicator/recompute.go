package indicator

import (
	"math"

	"cryptodesk/internal/model"
)

// Recompute runs a full batch pass over candles for every enabled config in
// set. Each Series has one Reading per candle; indices before a kind's first
// defined value carry Ready=false rather than a zero.
func Recompute(candles []model.Candle, set ConfigSet) map[Kind]Series {
	out := make(map[Kind]Series, len(set))
	for _, c := range set.Enabled() {
		out[c.Kind] = Compute(c, candles)
	}
	return out
}

// Compute runs the batch pass for a single config. The config is assumed valid.
func Compute(c Config, candles []model.Candle) Series {
	closes := model.Closes(candles)
	var s Series
	switch c.Kind {
	case KindSMA:
		s = smaSeries(closes, c.Period)
	case KindEMA:
		s = emaSeries(closes, c.Period)
	case KindRSI:
		s = rsiSeries(closes, c.Period)
	case KindMACD:
		s = macdSeries(closes, c.FastPeriod, c.SlowPeriod, c.SignalPeriod)
	case KindBollinger:
		s = bollingerSeries(closes, c.Period, c.StdDevMultiplier)
	}
	for i := range s {
		s[i].OpenTime = candles[i].OpenTime
	}
	return s
}

func smaSeries(closes []float64, period int) Series {
	s := make(Series, len(closes))
	for i := range closes {
		s[i].Kind = KindSMA
		if i < period-1 {
			continue
		}
		s[i].Ready = true
		s[i].Value = sumOf(closes[i-period+1:i+1]) / float64(period)
	}
	return s
}

func emaValues(xs []float64, period int) []float64 {
	out := make([]float64, len(xs))
	k := 2.0 / float64(period+1)
	for i, x := range xs {
		if i == 0 {
			out[i] = x
			continue
		}
		out[i] = emaStep(x, out[i-1], k)
	}
	return out
}

func emaSeries(closes []float64, period int) Series {
	vals := emaValues(closes, period)
	s := make(Series, len(closes))
	for i, v := range vals {
		s[i] = Reading{Kind: KindEMA, Ready: true, Value: v}
	}
	return s
}

func rsiSeries(closes []float64, period int) Series {
	s := make(Series, len(closes))
	var acc rsiAcc
	for i := range closes {
		s[i].Kind = KindRSI
		if i == 0 {
			continue
		}
		acc.apply(closes[i]-closes[i-1], i, period)
		if i >= period {
			s[i].Ready = true
			s[i].Value = acc.value()
		}
	}
	return s
}

func macdSeries(closes []float64, fast, slow, signal int) Series {
	f := emaValues(closes, fast)
	sl := emaValues(closes, slow)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = f[i] - sl[i]
	}
	sig := emaValues(line, signal)
	s := make(Series, len(closes))
	for i := range closes {
		s[i] = Reading{
			Kind:      KindMACD,
			Ready:     true,
			Value:     line[i],
			Signal:    sig[i],
			Histogram: line[i] - sig[i],
		}
	}
	return s
}

func bollingerSeries(closes []float64, period int, mult float64) Series {
	s := make(Series, len(closes))
	p := float64(period)
	for i := range closes {
		s[i].Kind = KindBollinger
		if i < period-1 {
			continue
		}
		window := closes[i-period+1 : i+1]
		mean := sumOf(window) / p
		var ss float64
		for _, x := range window {
			d := x - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / p)
		s[i].Ready = true
		s[i].Value = mean
		s[i].Upper = mean + mult*sd
		s[i].Lower = mean - mult*sd
	}
	return s
}
