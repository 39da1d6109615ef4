package flow

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDelayConstant(t *testing.T) {
	r := Retry{Kind: RetryConstant, Attempts: 3, Seconds: 5}
	for attempt := 1; attempt <= 3; attempt++ {
		d, err := NextDelay(r, attempt, nil)
		require.NoError(t, err)
		require.Equal(t, 5*time.Second, d)
	}
}

func TestNextDelayExponential(t *testing.T) {
	r := Retry{Kind: RetryExponential, Attempts: 4, Seconds: 2, Multiplier: 1}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, c := range cases {
		d, err := NextDelay(r, c.attempt, nil)
		require.NoError(t, err)
		require.Equal(t, c.want, d)
	}
}

func TestNextDelayExponentialWithMultiplier(t *testing.T) {
	r := Retry{Kind: RetryExponential, Attempts: 2, Seconds: 3, Multiplier: 2}
	d, err := NextDelay(r, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 6*time.Second, d) // 2 * 3^1

	d, err = NextDelay(r, 2, nil)
	require.NoError(t, err)
	require.Equal(t, 18*time.Second, d) // 2 * 3^2
}

func TestNextDelayExponentialJitterBounded(t *testing.T) {
	r := Retry{Kind: RetryExponential, Attempts: 1, Seconds: 10, Multiplier: 1, RandomFactor: 20}
	rnd := rand.New(rand.NewSource(1))
	base := 10 * time.Second
	lower := time.Duration(float64(base) * 0.8)
	upper := time.Duration(float64(base) * 1.2)

	for i := 0; i < 50; i++ {
		d, err := NextDelay(r, 1, rnd)
		require.NoError(t, err)
		require.GreaterOrEqual(t, d, lower)
		require.LessOrEqual(t, d, upper)
	}
}

func TestNextDelayExponentialRequiresPositiveSeconds(t *testing.T) {
	r := Retry{Kind: RetryExponential, Attempts: 1, Seconds: 0}
	_, err := NextDelay(r, 1, nil)
	require.Error(t, err)
}

func TestNextDelayAttemptOutOfRange(t *testing.T) {
	r := Retry{Kind: RetryConstant, Attempts: 2, Seconds: 1}
	_, err := NextDelay(r, 0, nil)
	require.Error(t, err)
	_, err = NextDelay(r, 3, nil)
	require.Error(t, err)
}

func TestShouldRetry(t *testing.T) {
	r := &Retry{Attempts: 3}
	require.True(t, ShouldRetry(r, 0))
	require.True(t, ShouldRetry(r, 2))
	require.False(t, ShouldRetry(r, 3))
	require.False(t, ShouldRetry(nil, 0))
}
