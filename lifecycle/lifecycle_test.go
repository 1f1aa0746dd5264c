package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsAllClosers(t *testing.T) {
	t.Parallel()

	m := New(Config{Timeout: time.Second})
	var closed atomic.Int32
	for _, name := range []string{"pool", "audit", "metrics"} {
		m.RegisterFunc(name, func(context.Context) error {
			closed.Add(1)
			return nil
		})
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, int32(3), closed.Load())
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	m := New(Config{Timeout: time.Second})
	var closed atomic.Int32
	m.RegisterFunc("once", func(context.Context) error {
		closed.Add(1)
		return nil
	})

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, int32(1), closed.Load())
}

func TestShutdownCollectsErrors(t *testing.T) {
	t.Parallel()

	m := New(Config{Timeout: time.Second})
	boom := errors.New("flush failed")
	m.RegisterFunc("ok", func(context.Context) error { return nil })
	m.RegisterFunc("bad", func(context.Context) error { return boom })

	err := m.Shutdown()
	require.ErrorIs(t, err, boom)
}

func TestShutdownAbandonsStuckCloser(t *testing.T) {
	t.Parallel()

	m := New(Config{Timeout: 50 * time.Millisecond})
	m.RegisterFunc("stuck", func(ctx context.Context) error {
		<-time.After(5 * time.Second)
		return nil
	})

	start := time.Now()
	err := m.Shutdown()
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegisterAfterShutdownIgnored(t *testing.T) {
	t.Parallel()

	m := New(Config{Timeout: time.Second})
	require.NoError(t, m.Shutdown())

	var closed atomic.Bool
	m.RegisterFunc("late", func(context.Context) error {
		closed.Store(true)
		return nil
	})
	require.NoError(t, m.Shutdown())
	assert.False(t, closed.Load())
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	m := New(Config{Timeout: time.Second})
	var closed atomic.Bool
	m.RegisterFunc("pool", func(context.Context) error {
		closed.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	assert.True(t, closed.Load())
}
