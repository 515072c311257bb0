package indicator

import "fmt"

// SMA is the arithmetic mean of the last period closes. The forming candle
// occupies the newest slot of the window; Amend rewrites that slot in place.
type SMA struct {
	period int
	window []float64
	next   int // slot the next Push writes
	seen   int // closes pushed since Reset
	total  float64
}

func NewSMA(period int) *SMA {
	return &SMA{period: period, window: make([]float64, period)}
}

func (s *SMA) Name() string { return fmt.Sprintf("SMA_%d", s.period) }

func (s *SMA) Push(x float64) {
	evicted := s.window[s.next]
	s.window[s.next] = x
	s.total += x - evicted
	s.next++
	s.seen++
	if s.next == s.period {
		s.next = 0
		// recompute once per lap to bound float drift
		s.total = sumOf(s.window)
	}
}

func (s *SMA) Amend(x float64) {
	if s.seen == 0 {
		s.Push(x)
		return
	}
	newest := s.next - 1
	if newest < 0 {
		newest = s.period - 1
	}
	s.total += x - s.window[newest]
	s.window[newest] = x
}

func (s *SMA) Ready() bool { return s.seen >= s.period }

func (s *SMA) Reading() Reading {
	if !s.Ready() {
		return Reading{Kind: KindSMA}
	}
	return Reading{Kind: KindSMA, Ready: true, Value: s.total / float64(s.period)}
}

func (s *SMA) Reset() {
	clear(s.window)
	s.next, s.seen, s.total = 0, 0, 0
}

func sumOf(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}
