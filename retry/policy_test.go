package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops-mx/recargas"
)

// pinned pins jitter to its upper bound so delays are deterministic.
func pinned() *Policy {
	return Default(WithRandom(func() float64 { return 1 }))
}

func TestDecide_RetriableBackoff(t *testing.T) {
	p := pinned()
	err := recargas.NewError(recargas.CategoryRetriable, recargas.ErrCodeTimeout, "timeout")

	d1 := p.Decide(err, 1)
	require.True(t, d1.Retry)
	assert.Equal(t, 2*time.Second, d1.Delay)

	d2 := p.Decide(err, 2)
	require.True(t, d2.Retry)
	assert.Equal(t, 4*time.Second, d2.Delay)

	// Attempt budget is 3: the third failure is final.
	d3 := p.Decide(err, 3)
	assert.False(t, d3.Retry)
}

func TestDecide_DelayCap(t *testing.T) {
	p := Default(
		WithRandom(func() float64 { return 1 }),
		WithRule(recargas.CategoryRetriable, Rule{
			MaxAttempts: 10,
			BaseDelay:   2 * time.Second,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
			Jitter:      JitterNone,
		}),
	)
	err := recargas.NewError(recargas.CategoryRetriable, recargas.ErrCodeTimeout, "timeout")

	d := p.Decide(err, 9)
	require.True(t, d.Retry)
	assert.Equal(t, 30*time.Second, d.Delay)
}

func TestDecide_FatalNeverRetries(t *testing.T) {
	p := pinned()
	err := recargas.NewError(recargas.CategoryFatal, recargas.ErrCodeAuth, "401")

	assert.False(t, p.Decide(err, 1).Retry)
}

func TestDecide_BusinessSingleRetry(t *testing.T) {
	p := pinned()
	err := recargas.NewError(recargas.CategoryBusiness, recargas.ErrCodeInvalidSIM, "bad sim")

	assert.True(t, p.Decide(err, 1).Retry)
	assert.False(t, p.Decide(err, 2).Retry)
}

func TestDecide_RateLimitedLongerBaseline(t *testing.T) {
	p := Default(WithRandom(func() float64 { return 0 }))
	rl := recargas.NewError(recargas.CategoryRateLimited, recargas.ErrCodeRateLimited, "429")
	re := recargas.NewError(recargas.CategoryRetriable, recargas.ErrCodeTimeout, "timeout")

	drl := p.Decide(rl, 1)
	dre := p.Decide(re, 1)
	require.True(t, drl.Retry)
	require.True(t, dre.Retry)
	// Equal jitter keeps RATE_LIMITED at >= base/2 = 5s; full jitter with
	// rand=0 drops RETRIABLE to 0.
	assert.Equal(t, 5*time.Second, drl.Delay)
	assert.Equal(t, time.Duration(0), dre.Delay)
}

func TestDecide_FullJitterBounds(t *testing.T) {
	err := recargas.NewError(recargas.CategoryRetriable, recargas.ErrCodeTimeout, "timeout")

	low := Default(WithRandom(func() float64 { return 0 })).Decide(err, 2)
	high := Default(WithRandom(func() float64 { return 1 })).Decide(err, 2)
	require.True(t, low.Retry)
	require.True(t, high.Retry)
	assert.Equal(t, time.Duration(0), low.Delay)
	assert.Equal(t, 4*time.Second, high.Delay)
}

func TestDecide_NilError(t *testing.T) {
	assert.False(t, pinned().Decide(nil, 1).Retry)
}
