package readiness

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastProbe() ProbeConfig {
	return ProbeConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      200 * time.Millisecond,
		AttemptTimeout:  50 * time.Millisecond,
	}
}

func TestProbe_SucceedsAfterRetries(t *testing.T) {
	g := New("cache")

	var calls atomic.Int32
	err := Probe(context.Background(), g, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, fastProbe())

	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, Ready, g.State())
}

func TestProbe_GivesUp(t *testing.T) {
	g := New("cache")
	cause := errors.New("connection refused")

	err := Probe(context.Background(), g, func(context.Context) error {
		return cause
	}, fastProbe())

	require.ErrorIs(t, err, cause)
	require.Equal(t, Failed, g.State())
	require.ErrorIs(t, g.Err(), cause)
}

func TestProbe_AttemptHasDeadline(t *testing.T) {
	g := New("resolver")

	err := Probe(context.Background(), g, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("attempt context has no deadline")
		}
		return nil
	}, fastProbe())

	require.NoError(t, err)
}

func TestProbe_CancelledContext(t *testing.T) {
	g := New("cache")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Probe(ctx, g, func(context.Context) error {
		return errors.New("unreachable")
	}, fastProbe())

	require.Error(t, err)
	require.Equal(t, Failed, g.State())
}

func TestRearm_RecoversFailedGate(t *testing.T) {
	g := New("cache")
	require.Error(t, Probe(context.Background(), g, func(context.Context) error {
		return errors.New("redis unreachable")
	}, fastProbe()))
	require.Equal(t, Failed, g.State())

	// Comes back after the startup probe gave up.
	var calls atomic.Int32
	err := Rearm(context.Background(), g, func(context.Context) error {
		if calls.Add(1) < 4 {
			return errors.New("still unreachable")
		}
		return nil
	}, fastProbe())

	require.NoError(t, err)
	require.Equal(t, int32(4), calls.Load())
	require.Equal(t, Ready, g.State())
	require.NoError(t, g.Wait(context.Background()))
}

func TestRearm_OutlastsMaxElapsed(t *testing.T) {
	g := New("resolver")
	g.Resolve(errors.New("login failed"))

	cfg := fastProbe()
	cfg.MaxElapsed = 10 * time.Millisecond
	start := time.Now()

	err := Rearm(context.Background(), g, func(context.Context) error {
		if time.Since(start) < 50*time.Millisecond {
			return errors.New("still down")
		}
		return nil
	}, cfg)

	require.NoError(t, err)
	require.Equal(t, Ready, g.State())
}

func TestRearm_SkipsGateThatIsNotFailed(t *testing.T) {
	var calls atomic.Int32
	check := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	require.NoError(t, Rearm(context.Background(), New("pending"), check, fastProbe()))
	require.NoError(t, Rearm(context.Background(), Opened("ready"), check, fastProbe()))
	require.Equal(t, int32(0), calls.Load())
}

func TestRearm_StopsOnCancel(t *testing.T) {
	g := New("cache")
	g.Resolve(errors.New("connection refused"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := Rearm(ctx, g, func(context.Context) error {
		return errors.New("connection refused")
	}, fastProbe())

	require.Error(t, err)
	require.Equal(t, Failed, g.State())
}
