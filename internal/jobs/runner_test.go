package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitSuccess(t *testing.T) {
	r := NewRunner()
	ran := false
	h := r.Submit(context.Background(), "noop", func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, h.Wait(context.Background()))
	assert.True(t, ran)

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Wait returned")
	}
}

func TestSubmitError(t *testing.T) {
	r := NewRunner()
	want := eris.New("boom")
	h := r.Submit(context.Background(), "failing", func(ctx context.Context) error {
		return want
	})

	err := h.Wait(context.Background())
	assert.ErrorIs(t, err, want)
	assert.ErrorIs(t, h.Err(), want)
}

func TestSubmitRecoversPanic(t *testing.T) {
	r := NewRunner()
	h := r.Submit(context.Background(), "panicking", func(ctx context.Context) error {
		panic("unexpected state")
	})

	err := h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Contains(t, err.Error(), "unexpected state")
}

func TestWaitHonorsContext(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})
	h := r.Submit(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, h.Wait(context.Background()))
}

func TestSubmitContextReachesJob(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := r.Submit(ctx, "cancel-aware", func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
}

func TestShutdownWaitsForJobs(t *testing.T) {
	r := NewRunner()
	release := make(chan struct{})
	h := r.Submit(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Shutdown(ctx))

	close(release)
	require.NoError(t, h.Wait(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
}
