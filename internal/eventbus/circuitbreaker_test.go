package eventbus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(limit int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(limit, cooldown)
	cb.now = clk.now
	return cb, clk
}

var errFail = errors.New("fail")

func fail() error { return errFail }
func ok() error   { return nil }

func TestCircuitBreaker_TripsAfterStreak(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	assert.Equal(t, StateClosed, cb.CurrentState())

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(fail), errFail)
	}
	assert.Equal(t, StateOpen, cb.CurrentState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_TrialCloses(t *testing.T) {
	cb, clk := newTestBreaker(2, time.Second)
	var seen []State
	cb.OnStateChange = func(_, to State) { seen = append(seen, to) }

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.advance(time.Second)

	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, seen)
}

func TestCircuitBreaker_BadTrialReopens(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	_ = cb.Execute(fail)
	clk.advance(2 * time.Second)

	_ = cb.Execute(fail)
	require.Equal(t, StateOpen, cb.CurrentState())
	assert.ErrorIs(t, cb.Execute(ok), ErrCircuitOpen)
}

func TestCircuitBreaker_OneTrialAtATime(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	_ = cb.Execute(fail)
	clk.advance(time.Second)

	err := cb.Execute(func() error {
		assert.ErrorIs(t, cb.Execute(ok), ErrCircuitOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestCircuitBreaker_SuccessBreaksStreak(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	_ = cb.Execute(fail)
	_ = cb.Execute(ok)
	_ = cb.Execute(fail)
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
