package evaluator

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

// Stub is the scripted engine. Scores are a pure function of the plan, so
// identical plans always reproduce identical leaderboards: each model gets
// a stable skill level derived from its name, and each sample's outcome is
// derived from (model, seed, index). Two name prefixes script failures:
// "fatal-" fails immediately, "flaky-" fails with a retryable error.
type Stub struct {
	version string
	latency time.Duration
	logger  *zap.Logger
}

// NewStub builds the scripted engine. latency simulates per-batch model
// call time; zero runs flat out.
func NewStub(version string, latency time.Duration, logger *zap.Logger) *Stub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = "stub-dev"
	}
	return &Stub{version: version, latency: latency, logger: logger}
}

func (s *Stub) Version() string { return s.version }

func (s *Stub) Ping(ctx context.Context) error { return nil }

func (s *Stub) Evaluate(ctx context.Context, req Request) error {
	plan := req.Plan
	if len(plan.Models) == 0 || plan.SampleSize <= 0 || len(plan.SubjectTypes) == 0 {
		return types.NewError(types.KindEvaluatorFatal, "plan is not executable")
	}

	batchSize := plan.Directives.BatchSize
	if batchSize <= 0 {
		batchSize = types.DefaultBatchSize
	}

	var seed int64
	if plan.Seed != nil {
		seed = *plan.Seed
	}

	total := len(plan.Models) * plan.SampleSize
	done := 0

	for _, model := range plan.Models {
		switch {
		case strings.HasPrefix(model.Name, "fatal-"):
			return types.NewError(types.KindEvaluatorFatal,
				"model %s rejected the evaluation", model.Name)
		case strings.HasPrefix(model.Name, "flaky-"):
			return types.NewError(types.KindEvaluatorRetryable,
				"model %s timed out mid-run", model.Name)
		}

		skill := modelSkill(model.Name)
		for start := 0; start < plan.SampleSize; start += batchSize {
			end := start + batchSize
			if end > plan.SampleSize {
				end = plan.SampleSize
			}

			if err := s.pause(ctx); err != nil {
				return err
			}

			batch := make([]*types.Sample, 0, end-start)
			for i := start; i < end; i++ {
				batch = append(batch, s.sample(req.TaskID, plan, model.Name, skill, seed, i))
			}
			if err := req.OnSamples(ctx, batch); err != nil {
				return err
			}

			done += len(batch)
			if req.OnProgress != nil {
				req.OnProgress(done, total)
			}
		}
	}

	s.logger.Debug("stub evaluation complete",
		zap.String("task_id", req.TaskID),
		zap.Int("samples", total))
	return nil
}

// pause simulates model call latency, honoring cancellation.
func (s *Stub) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return s.abortErr(ctx)
	}
	if s.latency <= 0 {
		return nil
	}

	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return s.abortErr(ctx)
	case <-timer.C:
		return nil
	}
}

func (s *Stub) abortErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.WrapError(types.KindTimeout, ctx.Err(), "evaluation ran past its deadline")
	}
	return types.WrapError(types.KindCancelled, ctx.Err(), "evaluation aborted")
}

func (s *Stub) sample(taskID string, plan types.Plan, model string, skill float64, seed int64, index int) *types.Sample {
	subject := plan.SubjectTypes[index%len(plan.SubjectTypes)]
	correct := 0.0
	if outcomeRoll(model, seed, index) < skill {
		correct = 1.0
	}

	answer := "B"
	if correct == 0 {
		answer = "C"
	}

	return &types.Sample{
		TaskID:       taskID,
		ModelName:    model,
		SampleIndex:  index,
		Prompt:       fmt.Sprintf("Q%04d [%s/%s] choose the best answer", index, plan.Language, subject),
		Answer:       answer,
		Correctness:  correct,
		SkillLabel:   string(plan.TaskType),
		TargetLabel:  string(plan.TargetType),
		SubjectLabel: subject,
		TaskLabel:    string(plan.ProblemType),
		DatasetName:  "stub-bank",
	}
}

// modelSkill maps a model name to a stable accuracy in [0.35, 0.95).
func modelSkill(name string) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(name)))
	return 0.35 + 0.6*float64(h.Sum32()%1000)/1000
}

// outcomeRoll is the deterministic per-sample draw in [0, 1).
func outcomeRoll(model string, seed int64, index int) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", strings.ToLower(model), seed, index)
	return float64(h.Sum64()%10000) / 10000
}
