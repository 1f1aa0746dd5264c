package analyzer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solentra/dbkit/timeutil"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"whitespace collapse",
			"SELECT  *\n FROM users\tWHERE id = ?",
			"select * from users where id = ?",
		},
		{
			"numeric literal",
			"SELECT * FROM users WHERE id = 42",
			"select * from users where id = ?",
		},
		{
			"string literal",
			"SELECT * FROM users WHERE name = 'o''brien stand-in' AND age > 30",
			"select * from users where name = ?? and age > ?",
		},
		{
			"named params",
			"SELECT * FROM users WHERE id = :id AND org = :org_id",
			"select * from users where id = ? and org = ?",
		},
		{
			"dollar params",
			"SELECT * FROM users WHERE id = $1 AND org = $2",
			"select * from users where id = ? and org = ?",
		},
		{
			"in list collapses",
			"SELECT * FROM posts WHERE id IN (?, ?, ?)",
			"select * from posts where id in (?)",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestNormalize_SameShapeAggregates(t *testing.T) {
	t.Parallel()

	a := Normalize("SELECT * FROM posts WHERE user_id = 1")
	b := Normalize("SELECT * FROM posts   WHERE user_id = 982")
	assert.Equal(t, a, b)
}

func newTestAnalyzer(opts Options) (*Analyzer, *timeutil.FrozenClock) {
	clock := timeutil.NewFrozenClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts.Clock = clock
	return New(opts), clock
}

func TestNPlusOne_TriggersExactlyOnce(t *testing.T) {
	t.Parallel()

	a, clock := newTestAnalyzer(Options{NPlusOneThreshold: 10})

	// 11 executions, 10ms apart: inside the 100ms window each time.
	for i := 0; i < 11; i++ {
		a.Record("SELECT * FROM posts WHERE user_id = ?", time.Millisecond, "app.go:42")
		clock.Advance(10 * time.Millisecond)
	}

	rep := a.Report()
	assert.Equal(t, int64(1), rep.NPlusOneWarnings)
	require.Len(t, rep.SuspectedNPlusOne, 1)
	assert.Equal(t, 10, rep.SuspectedNPlusOne[0].Consecutive)

	// More repeats in the same burst do not warn again.
	a.Record("SELECT * FROM posts WHERE user_id = ?", time.Millisecond, "app.go:42")
	assert.Equal(t, int64(1), a.Report().NPlusOneWarnings)
}

func TestNPlusOne_SpacedQueriesDoNotTrigger(t *testing.T) {
	t.Parallel()

	a, clock := newTestAnalyzer(Options{NPlusOneThreshold: 10})

	for i := 0; i < 11; i++ {
		a.Record("SELECT * FROM posts WHERE user_id = ?", time.Millisecond, "")
		clock.Advance(200 * time.Millisecond)
	}

	rep := a.Report()
	assert.Zero(t, rep.NPlusOneWarnings)
	assert.Empty(t, rep.SuspectedNPlusOne)
}

func TestNPlusOne_NewBurstWarnsAgain(t *testing.T) {
	t.Parallel()

	a, clock := newTestAnalyzer(Options{NPlusOneThreshold: 3})

	burst := func() {
		for i := 0; i < 4; i++ {
			a.Record("SELECT * FROM tags WHERE post_id = ?", time.Millisecond, "")
			clock.Advance(time.Millisecond)
		}
	}

	burst()
	assert.Equal(t, int64(1), a.Report().NPlusOneWarnings)

	clock.Advance(time.Second) // break the burst
	burst()
	assert.Equal(t, int64(2), a.Report().NPlusOneWarnings)
}

func TestSlowQueries(t *testing.T) {
	t.Parallel()

	a, _ := newTestAnalyzer(Options{SlowThreshold: 100 * time.Millisecond})

	a.Record("SELECT * FROM small", time.Millisecond, "")
	a.Record("SELECT * FROM huge", 2*time.Second, "report.go:10")

	rep := a.Report()
	require.Len(t, rep.SlowQueries, 1)
	assert.Equal(t, "select * from huge", rep.SlowQueries[0].Pattern)
	assert.Equal(t, 2*time.Second, rep.SlowQueries[0].Elapsed)
	assert.Equal(t, "report.go:10", rep.SlowQueries[0].Location)
}

func TestSlowListBounded(t *testing.T) {
	t.Parallel()

	a, _ := newTestAnalyzer(Options{SlowThreshold: time.Millisecond, MaxSlow: 3})
	for i := 0; i < 5; i++ {
		a.Record(fmt.Sprintf("SELECT * FROM t%d", i), time.Second, "")
	}
	assert.Len(t, a.Report().SlowQueries, 3)
}

func TestReport_TopPatternsSortedByCount(t *testing.T) {
	t.Parallel()

	a, clock := newTestAnalyzer(Options{})
	for i := 0; i < 5; i++ {
		a.Record("SELECT * FROM a", time.Millisecond, "")
		clock.Advance(time.Second)
	}
	for i := 0; i < 2; i++ {
		a.Record("SELECT * FROM b", time.Millisecond, "")
		clock.Advance(time.Second)
	}

	rep := a.Report()
	require.Len(t, rep.TopPatterns, 2)
	assert.Equal(t, "select * from a", rep.TopPatterns[0].Pattern)
	assert.Equal(t, int64(5), rep.TopPatterns[0].Count)
	assert.Equal(t, 5*time.Millisecond, rep.TopPatterns[0].TotalTime)
}

func TestPatternMapBounded(t *testing.T) {
	t.Parallel()

	a, _ := newTestAnalyzer(Options{MaxPatterns: 4})
	for i := 0; i < 10; i++ {
		a.Record(fmt.Sprintf("SELECT * FROM t%d WHERE x = 'k%d'", i, i), time.Millisecond, "")
	}
	assert.LessOrEqual(t, len(a.Report().TopPatterns), 4)
}

func TestLocationsDeduplicatedAndBounded(t *testing.T) {
	t.Parallel()

	a, clock := newTestAnalyzer(Options{MaxLocations: 2})
	for i := 0; i < 5; i++ {
		a.Record("SELECT * FROM a", time.Millisecond, "app.go:1")
		clock.Advance(time.Second)
	}
	a.Record("SELECT * FROM a", time.Millisecond, "app.go:2")
	a.Record("SELECT * FROM a", time.Millisecond, "app.go:3")

	rep := a.Report()
	require.Len(t, rep.TopPatterns, 1)
	assert.Equal(t, []string{"app.go:1", "app.go:2"}, rep.TopPatterns[0].Locations)
}

func TestReset(t *testing.T) {
	t.Parallel()

	a, _ := newTestAnalyzer(Options{SlowThreshold: time.Millisecond})
	a.Record("SELECT * FROM a", time.Second, "")
	a.Reset()

	rep := a.Report()
	assert.Empty(t, rep.TopPatterns)
	assert.Empty(t, rep.SlowQueries)
	assert.Zero(t, rep.NPlusOneWarnings)
}
