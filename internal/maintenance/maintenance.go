// Package maintenance executes cleanup-kind tasks: age-based sweeps over
// the task registry, the sample archive, and the leaderboard cache. Sweeps
// run through the same queue and lifecycle as evaluations, so they show up
// in task listings and can be cancelled like any other work.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

// Storage is the slice of the store a sweep touches.
type Storage interface {
	CleanupTasks(ctx context.Context, cutoff time.Time, limit int, dryRun bool) (int64, error)
	CleanupSamples(ctx context.Context, cutoff time.Time, limit int, dryRun bool) (int64, error)
	CleanupCache(ctx context.Context, cutoff time.Time, limit int, dryRun, hardDelete bool) (int64, error)
}

// Summary is the result payload of a finished sweep.
type Summary struct {
	DryRun     bool             `json:"dry_run"`
	HardDelete bool             `json:"hard_delete,omitempty"`
	Cutoff     time.Time        `json:"cutoff"`
	Swept      map[string]int64 `json:"swept"`
}

// Total sums the per-resource counts.
func (s *Summary) Total() int64 {
	var n int64
	for _, v := range s.Swept {
		n += v
	}
	return n
}

// Sweeper runs cleanup specs against the store.
type Sweeper struct {
	store  Storage
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Sweeper.
func New(store Storage, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, logger: logger, now: time.Now}
}

// Run executes one cleanup spec, resource by resource. progress, if not
// nil, is called after each resource completes. The cleanup spec must
// already be normalized; Run does not apply defaults.
func (s *Sweeper) Run(ctx context.Context, spec types.CleanupSpec, progress func(done, total int)) (*Summary, error) {
	cutoff := spec.Cutoff(s.now())
	summary := &Summary{
		DryRun:     spec.DryRun,
		HardDelete: spec.HardDelete,
		Cutoff:     cutoff.UTC(),
		Swept:      make(map[string]int64, len(spec.Resources)),
	}

	for i, resource := range spec.Resources {
		if err := ctx.Err(); err != nil {
			return summary, types.WrapError(types.KindCancelled, err, "sweep aborted after %d of %d resources", i, len(spec.Resources))
		}

		var (
			n   int64
			err error
		)
		switch resource {
		case types.CleanupTasks:
			n, err = s.store.CleanupTasks(ctx, cutoff, spec.Limit, spec.DryRun)
		case types.CleanupSamples:
			n, err = s.store.CleanupSamples(ctx, cutoff, spec.Limit, spec.DryRun)
		case types.CleanupCache:
			n, err = s.store.CleanupCache(ctx, cutoff, spec.Limit, spec.DryRun, spec.HardDelete)
		default:
			return summary, types.NewError(types.KindValidation, "unknown cleanup resource %q", resource)
		}
		if err != nil {
			return summary, err
		}

		summary.Swept[resource] = n
		s.logger.Info("cleanup resource swept",
			zap.String("resource", resource),
			zap.Int64("records", n),
			zap.Bool("dry_run", spec.DryRun),
			zap.Time("cutoff", cutoff))

		if progress != nil {
			progress(i+1, len(spec.Resources))
		}
	}
	return summary, nil
}
