package indicator

import (
	"fmt"
	"math"
)

// Bollinger computes middle = SMA(period) and bands at middle ± mult·σ where σ
// is the population standard deviation of the window.
//
// Sums are kept relative to a shift value taken from inside the window, which
// keeps sumSq small for large prices. The shift moves and both sums are rebuilt
// once per lap of the ring.
type Bollinger struct {
	period int
	mult   float64
	buf    []float64
	idx    int
	count  int
	shift  float64
	sum    float64 // Σ(x - shift)
	sumSq  float64 // Σ(x - shift)²
}

// NewBollinger creates Bollinger bands with the given period and multiplier.
func NewBollinger(period int, mult float64) *Bollinger {
	return &Bollinger{
		period: period,
		mult:   mult,
		buf:    make([]float64, period),
	}
}

func (b *Bollinger) Name() string { return fmt.Sprintf("BOLLINGER_%d_%g", b.period, b.mult) }

func (b *Bollinger) Push(x float64) {
	if b.count == 0 {
		b.shift = x
	}
	if b.count >= b.period {
		d := b.buf[b.idx] - b.shift
		b.sum -= d
		b.sumSq -= d * d
	}
	d := x - b.shift
	b.buf[b.idx] = x
	b.sum += d
	b.sumSq += d * d
	b.idx = (b.idx + 1) % b.period
	b.count++

	if b.idx == 0 {
		b.rebuild()
	}
}

func (b *Bollinger) Amend(x float64) {
	if b.count == 0 {
		b.Push(x)
		return
	}
	last := (b.idx - 1 + b.period) % b.period
	od := b.buf[last] - b.shift
	nd := x - b.shift
	b.sum += nd - od
	b.sumSq += nd*nd - od*od
	b.buf[last] = x
}

// rebuild re-centres on the newest value and re-sums the full window.
func (b *Bollinger) rebuild() {
	b.shift = b.buf[b.period-1]
	b.sum, b.sumSq = 0, 0
	for _, x := range b.buf {
		d := x - b.shift
		b.sum += d
		b.sumSq += d * d
	}
}

func (b *Bollinger) Ready() bool { return b.count >= b.period }

func (b *Bollinger) Reading() Reading {
	r := Reading{Kind: KindBollinger, Ready: b.Ready()}
	if !r.Ready {
		return r
	}
	p := float64(b.period)
	m := b.sum / p
	variance := b.sumSq/p - m*m
	if variance < 0 {
		variance = 0
	}
	sd := math.Sqrt(variance)
	r.Value = b.shift + m
	r.Upper = r.Value + b.mult*sd
	r.Lower = r.Value - b.mult*sd
	return r
}
