package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUTCClock_Now(t *testing.T) {
	t.Parallel()

	now := UTCClock{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestUTCClock_SleepCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := UTCClock{}.Sleep(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUTCClock_SleepZeroReturnsImmediately(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, UTCClock{}.Sleep(context.Background(), 0))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestFrozenClock(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFrozenClock(base)

	assert.Equal(t, base, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, base.Add(90*time.Second), c.Now())
	assert.Equal(t, 90*time.Second, c.Since(base))

	c.Set(base)
	assert.Equal(t, base, c.Now())
}

func TestFrozenClock_SleepAdvances(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFrozenClock(base)

	require.NoError(t, c.Sleep(context.Background(), 250*time.Millisecond))
	assert.Equal(t, base.Add(250*time.Millisecond), c.Now())
}
