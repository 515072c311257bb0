package indicator

import "fmt"

// RSI calculates Relative Strength Index using Wilder's smoothing.
// The first averages are the plain mean of the first period gains/losses;
// afterwards avg = (prev*(period-1) + x) / period.
type RSI struct {
	period    int
	count     int // closes received
	prevClose float64
	lastClose float64

	// accumulator after the most recent delta
	acc rsiAcc
	// accumulator before the most recent delta, for Amend
	base rsiAcc
}

type rsiAcc struct {
	gainSum, lossSum float64 // warm-up sums
	avgGain, avgLoss float64
}

// apply folds the d-th delta (1-based) into the accumulator.
func (a *rsiAcc) apply(delta float64, d, period int) {
	var gain, loss float64
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}
	p := float64(period)
	switch {
	case d < period:
		a.gainSum += gain
		a.lossSum += loss
	case d == period:
		a.gainSum += gain
		a.lossSum += loss
		a.avgGain = a.gainSum / p
		a.avgLoss = a.lossSum / p
	default:
		a.avgGain = (a.avgGain*(p-1) + gain) / p
		a.avgLoss = (a.avgLoss*(p-1) + loss) / p
	}
}

func (a rsiAcc) value() float64 {
	if a.avgLoss == 0 {
		return 100
	}
	rs := a.avgGain / a.avgLoss
	return 100 - 100/(1+rs)
}

// NewRSI creates a new RSI indicator with the given period.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return fmt.Sprintf("RSI_%d", r.period) }

func (r *RSI) Push(x float64) {
	if r.count == 0 {
		r.lastClose = x
		r.count = 1
		return
	}
	r.prevClose = r.lastClose
	r.base = r.acc
	r.acc.apply(x-r.prevClose, r.count, r.period)
	r.lastClose = x
	r.count++
}

func (r *RSI) Amend(x float64) {
	switch r.count {
	case 0:
		r.Push(x)
	case 1:
		r.lastClose = x
	default:
		r.acc = r.base
		r.acc.apply(x-r.prevClose, r.count-1, r.period)
		r.lastClose = x
	}
}

// Ready requires period deltas, i.e. period+1 closes.
func (r *RSI) Ready() bool { return r.count > r.period }

func (r *RSI) Reading() Reading {
	out := Reading{Kind: KindRSI, Ready: r.Ready()}
	if out.Ready {
		out.Value = r.acc.value()
	}
	return out
}
