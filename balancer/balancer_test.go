package balancer

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solentra/dbkit/config"
	"github.com/solentra/dbkit/dberr"
	"github.com/solentra/dbkit/timeutil"
)

func hosts3() []Host {
	return []Host{
		{Host: "db1", Port: 3306, Weight: 1},
		{Host: "db2", Port: 3306, Weight: 1},
		{Host: "db3", Port: 3306, Weight: 1},
	}
}

func newTestBalancer(t *testing.T, hosts []Host, opts Options) (*Balancer, *timeutil.FrozenClock) {
	t.Helper()
	clock := timeutil.NewFrozenClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts.Clock = clock
	b, err := New(hosts, opts)
	require.NoError(t, err)
	return b, clock
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{})
	assert.True(t, dberr.Is(err, dberr.KindConfig))

	_, err = New(hosts3(), Options{Strategy: "ring"})
	assert.True(t, dberr.Is(err, dberr.KindConfig))
}

func TestRoundRobin_Fairness(t *testing.T) {
	t.Parallel()

	b, _ := newTestBalancer(t, hosts3(), Options{Strategy: config.StrategyRoundRobin})

	const rounds = 7
	counts := map[string]int{}
	for i := 0; i < 3*rounds; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		counts[h.Key()]++
	}
	for _, h := range hosts3() {
		assert.Equal(t, rounds, counts[h.Key()], h.Key())
	}
}

func TestRoundRobin_SkipsDownHostTransparently(t *testing.T) {
	t.Parallel()

	b, _ := newTestBalancer(t, hosts3(), Options{Strategy: config.StrategyRoundRobin})
	b.MarkDown("db2:3306")

	for i := 0; i < 10; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		assert.NotEqual(t, "db2:3306", h.Key())
	}
}

func TestWeighted_Proportionality(t *testing.T) {
	t.Parallel()

	hosts := []Host{
		{Host: "big", Port: 5432, Weight: 10},
		{Host: "mid", Port: 5432, Weight: 5},
		{Host: "small", Port: 5432, Weight: 1},
	}
	rng := rand.New(rand.NewSource(42))
	b, _ := newTestBalancer(t, hosts, Options{Strategy: config.StrategyWeighted, Rand: rng.Intn})

	const n = 16000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		counts[h.Key()]++
	}

	// Expected shares: 10/16, 5/16, 1/16 within 15% relative tolerance.
	assert.InEpsilon(t, n*10/16, counts["big:5432"], 0.15)
	assert.InEpsilon(t, n*5/16, counts["mid:5432"], 0.15)
	assert.InEpsilon(t, n*1/16, counts["small:5432"], 0.15)
}

func TestWeighted_ZeroTotalFallsBackToRandom(t *testing.T) {
	t.Parallel()

	hosts := []Host{
		{Host: "a", Port: 1, Weight: 0},
		{Host: "b", Port: 1, Weight: 0},
	}
	rng := rand.New(rand.NewSource(7))
	b, _ := newTestBalancer(t, hosts, Options{Strategy: config.StrategyWeighted, Rand: rng.Intn})

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		seen[h.Key()] = true
	}
	assert.Len(t, seen, 2)
}

func TestRandom_PicksAmongAvailable(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	b, _ := newTestBalancer(t, hosts3(), Options{Strategy: config.StrategyRandom, Rand: rng.Intn})

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		seen[h.Key()] = true
	}
	assert.Len(t, seen, 3)
}

func TestFailureThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBalancer(t, hosts3(), Options{MaxFailures: 3})

	// Two failures leave the host selectable.
	b.RecordFailure("db1:3306")
	b.RecordFailure("db1:3306")
	assert.False(t, b.HealthReport()["db1:3306"].Down)

	// The third trips it.
	b.RecordFailure("db1:3306")
	assert.True(t, b.HealthReport()["db1:3306"].Down)

	// Success resets completely.
	b.RecordSuccess("db1:3306")
	rep := b.HealthReport()["db1:3306"]
	assert.False(t, rep.Down)
	assert.Equal(t, 0, rep.Failures)
}

func TestFailover_SkipAndRecover(t *testing.T) {
	t.Parallel()

	b, clock := newTestBalancer(t, hosts3(), Options{
		Strategy:    config.StrategyRoundRobin,
		MaxFailures: 3,
		Cooldown:    30 * time.Second,
	})

	b.MarkDown("db1:3306")
	for i := 0; i < 20; i++ {
		h, err := b.Select()
		require.NoError(t, err)
		assert.NotEqual(t, "db1:3306", h.Key())
	}

	// Down the rest; only a cooldown recovery can produce a host now.
	b.MarkDown("db2:3306")
	b.MarkDown("db3:3306")
	_, err := b.Select()
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindAllHostsDown))
	assert.Contains(t, err.Error(), "db1:3306")
	assert.Contains(t, err.Error(), "failures=3")

	// After the cooldown all hosts are selectable again...
	clock.Advance(31 * time.Second)
	h, err := b.Select()
	require.NoError(t, err)
	assert.NotEmpty(t, h.Host)

	// ...but carry failures=maxFailures-1, so one more failure re-trips.
	rep := b.HealthReport()[h.Key()]
	assert.Equal(t, 2, rep.Failures)
	b.RecordFailure(h.Key())
	assert.True(t, b.HealthReport()[h.Key()].Down)
}

func TestSelectWithFailover_TriesDistinctHosts(t *testing.T) {
	t.Parallel()

	b, _ := newTestBalancer(t, hosts3(), Options{Strategy: config.StrategyRoundRobin})

	var tried []string
	h, err := b.SelectWithFailover(func(h Host) error {
		tried = append(tried, h.Key())
		if len(tried) < 3 {
			return errors.New("connect refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, tried, 3)
	assert.Equal(t, tried[2], h.Key())

	// No host repeated within the call.
	seen := map[string]bool{}
	for _, k := range tried {
		assert.False(t, seen[k], k)
		seen[k] = true
	}
}

func TestSelectWithFailover_ExhaustionCarriesLastCause(t *testing.T) {
	t.Parallel()

	b, _ := newTestBalancer(t, hosts3(), Options{})

	cause := errors.New("dial tcp: connection refused")
	_, err := b.SelectWithFailover(func(Host) error { return cause })
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindAllHostsDown))
	assert.ErrorIs(t, err, cause)
}

func TestSelectWithFailover_SuccessRecordsHealth(t *testing.T) {
	t.Parallel()

	b, _ := newTestBalancer(t, hosts3(), Options{MaxFailures: 2})

	b.RecordFailure("db1:3306")
	h, err := b.SelectWithFailover(func(h Host) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, b.HealthReport()[h.Key()].Failures)
}

func TestMarkUp(t *testing.T) {
	t.Parallel()

	b, _ := newTestBalancer(t, hosts3(), Options{})
	b.MarkDown("db1:3306")
	require.True(t, b.HealthReport()["db1:3306"].Down)

	b.MarkUp("db1:3306")
	rep := b.HealthReport()["db1:3306"]
	assert.False(t, rep.Down)
	assert.Equal(t, 0, rep.Failures)
}
