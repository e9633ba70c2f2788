package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podium/internal/store"
	"podium/internal/types"
)

// seededStore returns a store holding one finished task with two samples
// and two leaderboard rows, all stamped "now".
func seededStore(t *testing.T) (*store.Store, string) {
	t.Helper()

	s, err := store.OpenMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.NewTask(types.TaskKindEvaluation, "fp-sweep", []byte(`{}`)))
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, types.StatusPending, types.StatusStarted, store.TransitionPatch{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.ID, types.StatusStarted, types.StatusSuccess, store.TransitionPatch{})
	require.NoError(t, err)

	_, err = s.AppendSamples(ctx, []*types.Sample{
		{TaskID: task.ID, ModelName: "alpha", SampleIndex: 0, Correctness: 1, SubjectLabel: "Tech."},
		{TaskID: task.ID, ModelName: "alpha", SampleIndex: 1, Correctness: 0, SubjectLabel: "Tech."},
	})
	require.NoError(t, err)

	_, err = s.UpsertAggregates(ctx, "fp-sweep", "korean", "Knowledge", task.ID, "hret-0.3",
		[]store.SampleAggregate{
			{ModelName: "alpha", SubjectLabel: "Tech.", Score: 0.5, SampleCount: 2},
			{ModelName: "alpha", SubjectLabel: "Science", Score: 0.7, SampleCount: 2},
		})
	require.NoError(t, err)

	return s, task.ID
}

// agedSweeper pretends the given number of days has passed since seeding.
func agedSweeper(s *store.Store, days int) *Sweeper {
	sw := New(s, zap.NewNop())
	sw.now = func() time.Time { return time.Now().Add(time.Duration(days) * 24 * time.Hour) }
	return sw
}

func normalized(t *testing.T, spec types.CleanupSpec) types.CleanupSpec {
	t.Helper()
	require.NoError(t, spec.Normalize())
	return spec
}

func TestSweepAllResources(t *testing.T) {
	s, taskID := seededStore(t)
	ctx := context.Background()

	var steps [][2]int
	summary, err := agedSweeper(s, 40).Run(ctx, normalized(t, types.CleanupSpec{
		Resources:  []string{"tasks", "samples", "cache"},
		DaysOld:    30,
		HardDelete: true,
	}), func(done, total int) {
		steps = append(steps, [2]int{done, total})
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"tasks": 1, "samples": 2, "cache": 2}, summary.Swept)
	assert.EqualValues(t, 5, summary.Total())
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, steps)

	_, err = s.GetTask(ctx, taskID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	n, err := s.SampleCount(ctx, taskID)
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := s.Browse(ctx, types.BrowseFilter{IncludeQuarantined: true})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSweepDryRunTouchesNothing(t *testing.T) {
	s, taskID := seededStore(t)
	ctx := context.Background()

	summary, err := agedSweeper(s, 40).Run(ctx, normalized(t, types.CleanupSpec{
		Resources: []string{"tasks", "samples", "cache"},
		DaysOld:   30,
		DryRun:    true,
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"tasks": 1, "samples": 2, "cache": 2}, summary.Swept)
	assert.True(t, summary.DryRun)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, task.Status)

	n, err := s.SampleCount(ctx, taskID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSweepSparesFreshData(t *testing.T) {
	s, _ := seededStore(t)

	summary, err := agedSweeper(s, 0).Run(context.Background(), normalized(t, types.CleanupSpec{
		Resources: []string{"tasks", "samples", "cache"},
		DaysOld:   30,
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"tasks": 0, "samples": 0, "cache": 0}, summary.Swept)
}

func TestSweepSoftCacheSweepQuarantines(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	summary, err := agedSweeper(s, 40).Run(ctx, normalized(t, types.CleanupSpec{
		Resources: []string{"cache"},
		DaysOld:   30,
	}), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.Swept["cache"])

	rows, err := s.Browse(ctx, types.BrowseFilter{IncludeQuarantined: true})
	require.NoError(t, err)
	require.Len(t, rows, 2, "soft sweeps keep the rows")
	for _, row := range rows {
		assert.True(t, row.Quarantined)
		assert.Equal(t, "expired", row.QuarantineReason)
	}

	visible, err := s.Browse(ctx, types.BrowseFilter{})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestSweepHonorsCancellation(t *testing.T) {
	s, _ := seededStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agedSweeper(s, 40).Run(ctx, normalized(t, types.CleanupSpec{
		Resources: []string{"tasks"},
		DaysOld:   30,
	}), nil)
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
}
