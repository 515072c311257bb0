package indicator

import (
	"fmt"
	"math"

	"cryptodesk/internal/model"
)

// DefaultStdDevMultiplier applies when a Bollinger config omits its multiplier.
const DefaultStdDevMultiplier = 2.0

// Config describes one indicator of a side. Only the parameters of its kind
// are meaningful.
type Config struct {
	Kind             Kind    `json:"kind" yaml:"kind"`
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	Period           int     `json:"period,omitempty" yaml:"period,omitempty"`
	StdDevMultiplier float64 `json:"stdDevMultiplier,omitempty" yaml:"stdDevMultiplier,omitempty"`
	FastPeriod       int     `json:"fastPeriod,omitempty" yaml:"fastPeriod,omitempty"`
	SlowPeriod       int     `json:"slowPeriod,omitempty" yaml:"slowPeriod,omitempty"`
	SignalPeriod     int     `json:"signalPeriod,omitempty" yaml:"signalPeriod,omitempty"`
}

// Validate checks the parameters of the config's kind.
func (c Config) Validate() error {
	switch c.Kind {
	case KindSMA, KindEMA, KindRSI:
		if c.Period <= 0 {
			return fmt.Errorf("%w: %s period %d must be positive", model.ErrConfig, c.Kind, c.Period)
		}
	case KindBollinger:
		if c.Period <= 0 {
			return fmt.Errorf("%w: %s period %d must be positive", model.ErrConfig, c.Kind, c.Period)
		}
		m := c.StdDevMultiplier
		if math.IsNaN(m) || math.IsInf(m, 0) || m <= 0 {
			return fmt.Errorf("%w: %s stdDevMultiplier %v must be positive", model.ErrConfig, c.Kind, m)
		}
	case KindMACD:
		if c.FastPeriod <= 0 || c.SlowPeriod <= 0 || c.SignalPeriod <= 0 {
			return fmt.Errorf("%w: MACD periods %d/%d/%d must be positive",
				model.ErrConfig, c.FastPeriod, c.SlowPeriod, c.SignalPeriod)
		}
		if c.FastPeriod >= c.SlowPeriod {
			return fmt.Errorf("%w: MACD fastPeriod %d must be below slowPeriod %d",
				model.ErrConfig, c.FastPeriod, c.SlowPeriod)
		}
	default:
		return fmt.Errorf("%w: unknown indicator kind %q", model.ErrConfig, c.Kind)
	}
	return nil
}

// Name renders the kind with its parameters, e.g. "EMA_20" or "BOLLINGER_20_2".
func (c Config) Name() string {
	switch c.Kind {
	case KindMACD:
		return fmt.Sprintf("MACD_%d_%d_%d", c.FastPeriod, c.SlowPeriod, c.SignalPeriod)
	case KindBollinger:
		return fmt.Sprintf("BOLLINGER_%d_%g", c.Period, c.StdDevMultiplier)
	default:
		return fmt.Sprintf("%s_%d", c.Kind, c.Period)
	}
}

// Warmup is the number of candles State.Step needs before it reports Ready.
func (c Config) Warmup() int {
	switch c.Kind {
	case KindRSI:
		return c.Period + 1
	case KindMACD:
		return c.SlowPeriod + c.SignalPeriod - 1
	default:
		return c.Period
	}
}

func (c Config) sameParams(o Config) bool {
	return c.Kind == o.Kind && c.Period == o.Period && c.StdDevMultiplier == o.StdDevMultiplier &&
		c.FastPeriod == o.FastPeriod && c.SlowPeriod == o.SlowPeriod && c.SignalPeriod == o.SignalPeriod
}

// ConfigSet is the per-kind indicator configuration of one side.
type ConfigSet map[Kind]Config

// Normalize fills the map key into Kind when missing and applies the default
// Bollinger multiplier. It returns a new set.
func (s ConfigSet) Normalize() ConfigSet {
	out := make(ConfigSet, len(s))
	for k, c := range s {
		if c.Kind == "" {
			c.Kind = k
		}
		if c.Kind == KindBollinger && c.StdDevMultiplier == 0 {
			c.StdDevMultiplier = DefaultStdDevMultiplier
		}
		out[k] = c
	}
	return out
}

// Validate checks every enabled config. Disabled entries are kept verbatim so
// a UI can hold half-filled parameters for toggled-off indicators.
func (s ConfigSet) Validate() error {
	for k, c := range s {
		if c.Kind != k {
			return fmt.Errorf("%w: config under %q declares kind %q", model.ErrConfig, k, c.Kind)
		}
		if !c.Enabled {
			continue
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Enabled returns the enabled configs in display order.
func (s ConfigSet) Enabled() []Config {
	out := make([]Config, 0, len(s))
	for _, k := range Kinds {
		if c, ok := s[k]; ok && c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a copy safe to hand to another goroutine.
func (s ConfigSet) Clone() ConfigSet {
	out := make(ConfigSet, len(s))
	for k, c := range s {
		out[k] = c
	}
	return out
}

// DefaultBuy returns the default buy-side indicator set.
func DefaultBuy() ConfigSet {
	return ConfigSet{
		KindRSI:       {Kind: KindRSI, Enabled: true, Period: 14},
		KindSMA:       {Kind: KindSMA, Enabled: true, Period: 50},
		KindEMA:       {Kind: KindEMA, Enabled: true, Period: 20},
		KindMACD:      {Kind: KindMACD, Enabled: true, FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9},
		KindBollinger: {Kind: KindBollinger, Enabled: true, Period: 20, StdDevMultiplier: 2},
	}
}

// DefaultSell returns the default sell-side indicator set.
func DefaultSell() ConfigSet {
	return ConfigSet{
		KindRSI:       {Kind: KindRSI, Enabled: true, Period: 14},
		KindSMA:       {Kind: KindSMA, Enabled: true, Period: 200},
		KindEMA:       {Kind: KindEMA, Enabled: true, Period: 50},
		KindMACD:      {Kind: KindMACD, Enabled: true, FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9},
		KindBollinger: {Kind: KindBollinger, Enabled: true, Period: 20, StdDevMultiplier: 2},
	}
}

// New creates the incremental calculator for a validated config.
func New(c Config) (Calculator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case KindSMA:
		return NewSMA(c.Period), nil
	case KindEMA:
		return NewEMA(c.Period), nil
	case KindRSI:
		return NewRSI(c.Period), nil
	case KindMACD:
		return NewMACD(c.FastPeriod, c.SlowPeriod, c.SignalPeriod), nil
	default:
		return NewBollinger(c.Period, c.StdDevMultiplier), nil
	}
}
