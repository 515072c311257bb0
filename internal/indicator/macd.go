package indicator

import "fmt"

// MACD is EMA(fast) - EMA(slow), with a signal EMA over the MACD line seeded
// by the first MACD value.
type MACD struct {
	fastP, slowP, signalP int
	fast, slow, signal    *EMA
	count                 int
	line                  float64
}

// NewMACD creates a MACD indicator. fast must be below slow.
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fastP:   fast,
		slowP:   slow,
		signalP: signal,
		fast:    NewEMA(fast),
		slow:    NewEMA(slow),
		signal:  NewEMA(signal),
	}
}

func (m *MACD) Name() string {
	return fmt.Sprintf("MACD_%d_%d_%d", m.fastP, m.slowP, m.signalP)
}

func (m *MACD) Push(x float64) {
	m.fast.Push(x)
	m.slow.Push(x)
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Push(m.line)
	m.count++
}

func (m *MACD) Amend(x float64) {
	if m.count == 0 {
		m.Push(x)
		return
	}
	m.fast.Amend(x)
	m.slow.Amend(x)
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Amend(m.line)
}

// Ready once the slow EMA is warm and the signal EMA has signal-1 more values.
func (m *MACD) Ready() bool { return m.count >= m.slowP+m.signalP-1 }

func (m *MACD) Reading() Reading {
	r := Reading{Kind: KindMACD, Ready: m.Ready()}
	if r.Ready {
		r.Value = m.line
		r.Signal = m.signal.Value()
		r.Histogram = m.line - r.Signal
	}
	return r
}
