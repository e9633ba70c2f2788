package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podium/internal/types"
)

func stubPlan(models ...string) types.Plan {
	configs := make([]types.ModelConfig, len(models))
	for i, name := range models {
		configs[i] = types.ModelConfig{Name: name, Endpoint: "https://api.example.com/v1"}
	}
	return types.Plan{
		SchemaVersion: types.PlanSchemaVersion,
		ProblemType:   types.ProblemMCQA,
		TargetType:    types.TargetLocal,
		TaskType:      types.TaskKnowledge,
		Language:      "korean",
		SubjectTypes:  []string{"Tech.", "Science"},
		SampleSize:    10,
		Models:        configs,
		Directives:    types.EvalDirectives{BatchSize: 4},
	}
}

// collect runs the stub and gathers every emitted sample.
func collect(t *testing.T, plan types.Plan) []*types.Sample {
	t.Helper()
	var out []*types.Sample
	s := NewStub("hret-test", 0, zap.NewNop())
	err := s.Evaluate(context.Background(), Request{
		TaskID: "task-1",
		Plan:   plan,
		OnSamples: func(ctx context.Context, batch []*types.Sample) error {
			out = append(out, batch...)
			return nil
		},
	})
	require.NoError(t, err)
	return out
}

func TestStubEmitsFullGrid(t *testing.T) {
	plan := stubPlan("alpha", "beta")
	samples := collect(t, plan)
	require.Len(t, samples, 20, "2 models x 10 samples")

	perModel := map[string]int{}
	for _, sm := range samples {
		perModel[sm.ModelName]++
		assert.Equal(t, "task-1", sm.TaskID)
		assert.Contains(t, []string{"Tech.", "Science"}, sm.SubjectLabel)
		assert.Equal(t, "Knowledge", sm.SkillLabel)
		assert.Equal(t, "MCQA", sm.TaskLabel)
		assert.Contains(t, []float64{0, 1}, sm.Correctness)
	}
	assert.Equal(t, map[string]int{"alpha": 10, "beta": 10}, perModel)
}

func TestStubIsDeterministic(t *testing.T) {
	plan := stubPlan("alpha")
	first := collect(t, plan)
	second := collect(t, plan)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Correctness, second[i].Correctness,
			"sample %d must score identically across runs", i)
	}
}

func TestStubSeedShiftsOutcomes(t *testing.T) {
	seeded := stubPlan("alpha")
	seed := int64(42)
	seeded.Seed = &seed
	seeded.SampleSize = 100

	unseeded := stubPlan("alpha")
	unseeded.SampleSize = 100

	a := collect(t, seeded)
	b := collect(t, unseeded)

	diff := 0
	for i := range a {
		if a[i].Correctness != b[i].Correctness {
			diff++
		}
	}
	assert.Positive(t, diff, "different seeds should flip at least one outcome")
}

func TestStubProgressReachesTotal(t *testing.T) {
	plan := stubPlan("alpha")
	s := NewStub("hret-test", 0, zap.NewNop())

	var lastDone, lastTotal int
	calls := 0
	err := s.Evaluate(context.Background(), Request{
		TaskID: "task-1",
		Plan:   plan,
		OnSamples: func(ctx context.Context, batch []*types.Sample) error {
			return nil
		},
		OnProgress: func(done, total int) {
			require.GreaterOrEqual(t, done, lastDone, "progress must be monotone")
			lastDone, lastTotal = done, total
			calls++
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, lastDone)
	assert.Equal(t, 10, lastTotal)
	assert.Equal(t, 3, calls, "10 samples in batches of 4")
}

func TestStubScriptedFailures(t *testing.T) {
	s := NewStub("hret-test", 0, zap.NewNop())
	noop := func(ctx context.Context, batch []*types.Sample) error { return nil }

	t.Run("fatal prefix", func(t *testing.T) {
		err := s.Evaluate(context.Background(), Request{
			TaskID: "t", Plan: stubPlan("fatal-model"), OnSamples: noop,
		})
		require.Error(t, err)
		assert.Equal(t, types.KindEvaluatorFatal, types.KindOf(err))
		assert.False(t, types.Retryable(err))
	})

	t.Run("flaky prefix", func(t *testing.T) {
		err := s.Evaluate(context.Background(), Request{
			TaskID: "t", Plan: stubPlan("flaky-model"), OnSamples: noop,
		})
		require.Error(t, err)
		assert.Equal(t, types.KindEvaluatorRetryable, types.KindOf(err))
		assert.True(t, types.Retryable(err))
	})

	t.Run("sink error aborts", func(t *testing.T) {
		boom := errors.New("sink full")
		err := s.Evaluate(context.Background(), Request{
			TaskID: "t", Plan: stubPlan("alpha"),
			OnSamples: func(ctx context.Context, batch []*types.Sample) error { return boom },
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestStubHonorsCancellation(t *testing.T) {
	plan := stubPlan("alpha")
	plan.SampleSize = 1000
	plan.Directives.BatchSize = 1

	s := NewStub("hret-test", 5*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	emitted := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Evaluate(ctx, Request{
			TaskID: "t", Plan: plan,
			OnSamples: func(ctx context.Context, batch []*types.Sample) error {
				emitted += len(batch)
				return nil
			},
		})
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
	assert.Less(t, emitted, 1000, "cancellation must stop the run early")
}

func TestStubDeadlineIsTimeout(t *testing.T) {
	plan := stubPlan("alpha")
	plan.SampleSize = 1000
	plan.Directives.BatchSize = 1

	s := NewStub("hret-test", 5*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := s.Evaluate(ctx, Request{
		TaskID: "t", Plan: plan,
		OnSamples: func(ctx context.Context, batch []*types.Sample) error { return nil },
	})
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}
