package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestBackoff(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{4, 2 * time.Minute},
		{40, 2 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Backoff(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestEffectiveLossCount(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	assert.Equal(t, 0, p.EffectiveLossCount(5, time.Time{}, t0))
	assert.Equal(t, 2, p.EffectiveLossCount(2, t0, t0.Add(59*time.Second)))
	assert.Equal(t, 0, p.EffectiveLossCount(2, t0, t0.Add(60*time.Second)))
}

func TestDecide(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	d := p.Decide(1, 0, time.Time{}, t0)
	assert.False(t, d.Fail)
	assert.Zero(t, d.Delay)
	assert.Nil(t, d.Err)

	d = p.Decide(2, 0, t0, t0.Add(4*time.Second))
	assert.False(t, d.Fail)
	assert.Equal(t, 6*time.Second, d.Delay)
	if assert.NotNil(t, d.Err) {
		assert.True(t, errors.Is(d.Err, ErrCooldownActive))
	}

	d = p.Decide(2, 1, t0, t0.Add(25*time.Second))
	assert.Zero(t, d.Delay, "20s backoff already elapsed")

	d = p.Decide(3, 0, time.Time{}, t0)
	assert.True(t, d.Fail)
	assert.ErrorIs(t, d.Err, ErrCeilingExceeded)

	d = p.Decide(1, 3, t0, t0)
	assert.True(t, d.Fail, "attempt ceiling")
}

func TestDegradedBudget(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2_000_000, DegradedBudget(2_000_000, 0, 50_000))
	assert.Equal(t, 1_000_000, DegradedBudget(2_000_000, 1, 50_000))
	assert.Equal(t, 500_000, DegradedBudget(2_000_000, 3, 50_000))
	assert.Equal(t, 50_000, DegradedBudget(2_000_000, 100, 50_000))
	assert.Equal(t, 30_000, DegradedBudget(30_000, 2, 50_000), "never above base")
	assert.Equal(t, 0, DegradedBudget(0, 2, 50_000), "unlimited stays unlimited")
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := Policy{Cooldown: time.Minute, MaxBackoff: time.Second}.withDefaults()
	assert.Equal(t, time.Minute, p.MaxBackoff)
	assert.Equal(t, DefaultCeiling, p.Ceiling)
	assert.Equal(t, DefaultStableWindow, p.StableWindow)
}
