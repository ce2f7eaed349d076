package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker("bankfeed", BreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func transientCall(ctx context.Context) error {
	return NewTransientError(eris.New("upstream 503"), 503)
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), transientCall)
	}
	assert.False(t, b.Open())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), transientCall)
	}
	assert.True(t, b.Open())

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	_ = b.Execute(context.Background(), transientCall)
	_ = b.Execute(context.Background(), transientCall)
	require.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }))

	_ = b.Execute(context.Background(), transientCall)
	_ = b.Execute(context.Background(), transientCall)
	assert.False(t, b.Open())
}

func TestBreaker_DataErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return eris.New("unparseable record")
		})
	}
	assert.False(t, b.Open())
}

func TestBreaker_ProbeAfterCooldownCloses(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	_ = b.Execute(context.Background(), transientCall)
	_ = b.Execute(context.Background(), transientCall)
	require.True(t, b.Open())

	*now = now.Add(2 * time.Minute)

	// Probe succeeds, breaker closes.
	require.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.False(t, b.Open())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	_ = b.Execute(context.Background(), transientCall)
	_ = b.Execute(context.Background(), transientCall)
	require.True(t, b.Open())

	*now = now.Add(2 * time.Minute)
	_ = b.Execute(context.Background(), transientCall)

	assert.True(t, b.Open())
	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrBreakerOpen)
}
