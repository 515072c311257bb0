package indicator

import "cryptodesk/internal/model"

// State wraps a Calculator with candle bookkeeping: a candle with a new open
// time is pushed, one with the open time of the previous step amends it.
// Callers resync (rebuild from a snapshot) on an older open time.
type State struct {
	cfg   Config
	calc  Calculator
	last  int64
	steps int
}

// NewState validates c and returns an empty state for it.
func NewState(c Config) (*State, error) {
	calc, err := New(c)
	if err != nil {
		return nil, err
	}
	return &State{cfg: c, calc: calc}, nil
}

// Config returns the config the state was built from.
func (s *State) Config() Config { return s.cfg }

// LastOpenTime is the open time of the most recently stepped candle, 0 if none.
func (s *State) LastOpenTime() int64 { return s.last }

// Step advances the state by one candle in O(1) and returns the current reading.
func (s *State) Step(c model.Candle) Reading {
	if s.steps > 0 && c.OpenTime == s.last {
		s.calc.Amend(c.Close)
	} else {
		s.calc.Push(c.Close)
		s.last = c.OpenTime
		s.steps++
	}
	r := s.calc.Reading()
	r.OpenTime = c.OpenTime
	return r
}

// Replay steps every candle in order and returns the final reading.
func (s *State) Replay(candles []model.Candle) Reading {
	r := Reading{Kind: s.cfg.Kind}
	for _, c := range candles {
		r = s.Step(c)
	}
	return r
}
