// Package dispatch is the front door for evaluation work: it validates a
// plan, consults the leaderboard cache, coalesces duplicate in-flight
// requests, and enqueues what actually needs to run. Credentials split off
// here into the in-memory vault; everything persisted or queued is already
// redacted.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"podium/internal/credentials"
	"podium/internal/fingerprint"
	"podium/internal/metrics"
	"podium/internal/plan"
	"podium/internal/queue"
	"podium/internal/store"
	"podium/internal/types"
)

// Receipt is the answer to a Submit call: which task tracks the work and
// how much of it was already answered from cache.
type Receipt struct {
	TaskID    string                `json:"task_id"`
	Status    types.Status          `json:"status"`
	Cached    bool                  `json:"cached"`
	Coalesced bool                  `json:"coalesced,omitempty"`
	Partial   bool                  `json:"partial,omitempty"`
	Rows      []*types.AggregateRow `json:"result,omitempty"`
}

// Storage is the slice of the store the dispatcher needs. *store.Store
// satisfies it.
type Storage interface {
	LookupCache(ctx context.Context, q store.CacheQuery) ([]*types.AggregateRow, error)
	CreateTask(ctx context.Context, t *types.Task) (*types.Task, error)
	CreateCompletedTask(ctx context.Context, t *types.Task) (*types.Task, error)
	Transition(ctx context.Context, id string, from, to types.Status, patch store.TransitionPatch) (*types.Task, error)
	CancelTask(ctx context.Context, id, reason string) (*types.Task, bool, error)
}

// Options tunes cache reuse and identity bucketing.
type Options struct {
	CacheTTL            time.Duration
	MinReuseSamples     int
	MinEvaluatorVersion string
	SampleSizeBuckets   []int
}

// Dispatcher owns the submit path. Safe for concurrent use.
type Dispatcher struct {
	store     Storage
	queue     queue.Queue
	vault     *credentials.Vault
	validator *plan.Validator
	breaker   *gobreaker.CircuitBreaker
	metrics   *metrics.Metrics
	opts      Options
	logger    *zap.Logger

	locks fingerprintLocks
}

// New builds a Dispatcher. A nil metrics gets a private registry so tests
// do not have to care.
func New(s Storage, q queue.Queue, v *credentials.Vault, validator *plan.Validator,
	opts Options, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	d := &Dispatcher{
		store:     s,
		queue:     q,
		vault:     v,
		validator: validator,
		metrics:   m,
		opts:      opts,
		logger:    logger,
		locks:     fingerprintLocks{held: make(map[string]*fpLock)},
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cache-lookup",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return d
}

// Submit runs the cache-first intake path. The plan is normalized in place;
// the returned Receipt always names a task, even for pure cache hits.
//
// One fingerprint is processed by at most one Submit at a time, so the
// lookup, the duplicate check, and the enqueue act as a unit. The partial
// unique index in the registry backs this up across processes.
func (d *Dispatcher) Submit(ctx context.Context, p *types.Plan) (*Receipt, error) {
	if err := d.validator.ValidateAndNormalize(p); err != nil {
		d.metrics.Submissions.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}

	keys := collectKeys(p)

	fp, err := fingerprint.Compute(*p, d.opts.SampleSizeBuckets)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "failed to fingerprint plan")
	}

	lock := d.locks.acquire(fp)
	defer d.locks.release(fp, lock)

	cachedRows, missing := d.consultCache(ctx, fp, *p)

	if len(missing) == 0 {
		return d.completeFromCache(ctx, fp, p, cachedRows)
	}

	runPlan := *p
	partial := len(cachedRows) > 0
	if partial {
		keep := make(map[string]bool, len(missing))
		for _, name := range missing {
			keep[name] = true
		}
		runPlan = p.WithModels(keep)
	}

	snapshot, err := runPlan.MarshalSnapshot()
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "failed to snapshot plan")
	}

	t, err := d.store.CreateTask(ctx, store.NewTask(types.TaskKindEvaluation, fp, snapshot))
	if err != nil {
		if errors.Is(err, types.ErrDuplicateInFlight) && t != nil {
			d.metrics.Submissions.WithLabelValues(metrics.OutcomeCoalesced).Inc()
			d.logger.Info("submission coalesced onto in-flight task",
				zap.String("task_id", t.ID),
				zap.String("fingerprint", fp))
			return &Receipt{
				TaskID:    t.ID,
				Status:    t.Status,
				Coalesced: true,
				Partial:   partial,
				Rows:      cachedRows,
			}, nil
		}
		return nil, err
	}

	if err := d.vault.Put(t.ID, keys); err != nil {
		d.failFresh(ctx, t.ID, types.KindValidation, "credential envelope rejected")
		return nil, err
	}

	if err := d.queue.Enqueue(ctx, t.ID, t.Kind); err != nil {
		d.vault.Purge(t.ID)
		d.failFresh(ctx, t.ID, types.KindQueueUnavailable, "task could not be queued")
		return nil, types.WrapError(types.KindQueueUnavailable, err, "failed to enqueue task %s", t.ID)
	}

	outcome := metrics.OutcomeEnqueued
	if partial {
		outcome = metrics.OutcomePartial
	}
	d.metrics.Submissions.WithLabelValues(outcome).Inc()
	d.metrics.TaskTransitions.WithLabelValues(string(types.StatusPending)).Inc()
	d.metrics.EnvelopesHeld.Set(float64(d.vault.Len()))

	d.logger.Info("task enqueued",
		zap.String("task_id", t.ID),
		zap.String("fingerprint", fp),
		zap.Int("models", len(runPlan.Models)),
		zap.Bool("partial", partial))

	return &Receipt{
		TaskID:  t.ID,
		Status:  t.Status,
		Partial: partial,
		Rows:    cachedRows,
	}, nil
}

// Cancel requests cancellation. The bool reports whether this call moved the
// task; terminal tasks come back unchanged so the API can answer 409 with
// current state.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) (*types.Task, bool, error) {
	t, changed, err := d.store.CancelTask(ctx, taskID, reason)
	if err != nil {
		return nil, false, err
	}

	// The envelope is useless once cancellation is on the record, whether
	// or not a worker has noticed yet.
	d.vault.Purge(taskID)
	d.metrics.EnvelopesHeld.Set(float64(d.vault.Len()))

	if changed {
		d.metrics.TaskTransitions.WithLabelValues(string(types.StatusCancelled)).Inc()
		d.logger.Info("task cancelled", zap.String("task_id", taskID), zap.String("reason", reason))
	}
	return t, changed, nil
}

// SubmitCleanup creates and enqueues a maintenance task. Cleanup tasks skip
// the cache and never coalesce: two sweeps are two sweeps.
func (d *Dispatcher) SubmitCleanup(ctx context.Context, spec types.CleanupSpec) (*Receipt, error) {
	if err := spec.Normalize(); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(spec)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "failed to snapshot cleanup spec")
	}

	t, err := d.store.CreateTask(ctx, store.NewTask(types.TaskKindCleanup, "", snapshot))
	if err != nil {
		return nil, err
	}

	if err := d.queue.Enqueue(ctx, t.ID, t.Kind); err != nil {
		d.failFresh(ctx, t.ID, types.KindQueueUnavailable, "task could not be queued")
		return nil, types.WrapError(types.KindQueueUnavailable, err, "failed to enqueue task %s", t.ID)
	}

	d.metrics.Submissions.WithLabelValues(metrics.OutcomeEnqueued).Inc()
	d.logger.Info("cleanup task enqueued",
		zap.String("task_id", t.ID),
		zap.Strings("resources", spec.Resources),
		zap.Bool("dry_run", spec.DryRun))

	return &Receipt{TaskID: t.ID, Status: t.Status}, nil
}

// consultCache classifies the cache answer for the plan: the rows that can
// be reused and the models that still need a live run. Breaker trips and
// storage failures degrade to a full miss rather than failing the submit.
func (d *Dispatcher) consultCache(ctx context.Context, fp string, p types.Plan) ([]*types.AggregateRow, []string) {
	allModels := p.ModelNames()

	if p.SampleSize < d.opts.MinReuseSamples {
		d.metrics.CacheLookups.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return nil, allModels
	}

	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.store.LookupCache(ctx, store.CacheQuery{
			Fingerprint:  fp,
			ModelNames:   allModels,
			Language:     p.NormalizedLanguage(),
			TaskType:     string(p.TaskType),
			SubjectTypes: p.SubjectTypes,
			TTL:          d.opts.CacheTTL,
			MinVersion:   d.opts.MinEvaluatorVersion,
		})
	})
	if err != nil {
		d.metrics.CacheLookups.WithLabelValues(metrics.OutcomeDegraded).Inc()
		d.logger.Warn("cache lookup degraded to miss",
			zap.String("fingerprint", fp),
			zap.Error(err))
		return nil, allModels
	}

	rows := result.([]*types.AggregateRow)
	covered, missing := coverage(p, rows)

	switch {
	case len(missing) == 0:
		d.metrics.CacheLookups.WithLabelValues(metrics.OutcomeHit).Inc()
	case len(covered) > 0:
		d.metrics.CacheLookups.WithLabelValues(metrics.OutcomePartial).Inc()
	default:
		d.metrics.CacheLookups.WithLabelValues(metrics.OutcomeMiss).Inc()
	}
	return covered, missing
}

// coverage splits the plan's models by cache completeness. A model counts as
// covered only when every subject cell is present; models missing any cell
// rerun whole, because their fresh run overwrites all their cells anyway.
func coverage(p types.Plan, rows []*types.AggregateRow) (covered []*types.AggregateRow, missing []string) {
	cells := make(map[string]map[string]*types.AggregateRow, len(p.Models))
	for _, row := range rows {
		if cells[row.ModelName] == nil {
			cells[row.ModelName] = make(map[string]*types.AggregateRow, len(p.SubjectTypes))
		}
		cells[row.ModelName][row.SubjectType] = row
	}

	for _, name := range p.ModelNames() {
		complete := true
		for _, subject := range p.SubjectTypes {
			if cells[name][subject] == nil {
				complete = false
				break
			}
		}
		if !complete {
			missing = append(missing, name)
			continue
		}
		for _, subject := range p.SubjectTypes {
			covered = append(covered, cells[name][subject])
		}
	}
	return covered, missing
}

// completeFromCache answers a full hit: a SUCCESS task is recorded so the
// submission has the same audit trail and task view as a live run.
func (d *Dispatcher) completeFromCache(ctx context.Context, fp string, p *types.Plan, rows []*types.AggregateRow) (*Receipt, error) {
	snapshot, err := p.MarshalSnapshot()
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "failed to snapshot plan")
	}
	result, err := json.Marshal(map[string]interface{}{
		"source": "cache",
		"rows":   rows,
	})
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "failed to encode cached result")
	}

	t := store.NewTask(types.TaskKindEvaluation, fp, snapshot)
	t.Status = types.StatusSuccess
	t.Cached = true
	t.Result = result

	created, err := d.store.CreateCompletedTask(ctx, t)
	if err != nil {
		return nil, err
	}

	d.metrics.Submissions.WithLabelValues(metrics.OutcomeCached).Inc()
	d.logger.Info("submission served from cache",
		zap.String("task_id", created.ID),
		zap.String("fingerprint", fp),
		zap.Int("rows", len(rows)))

	return &Receipt{
		TaskID: created.ID,
		Status: created.Status,
		Cached: true,
		Rows:   rows,
	}, nil
}

// failFresh marks a just-created PENDING task failed. Errors here are logged
// and dropped: the caller is already reporting the primary failure.
func (d *Dispatcher) failFresh(ctx context.Context, taskID string, kind types.Kind, msg string) {
	_, err := d.store.Transition(ctx, taskID, types.StatusPending, types.StatusFailure, store.TransitionPatch{
		ErrorKind:    string(kind),
		ErrorMessage: msg,
	})
	if err != nil {
		d.logger.Error("failed to mark task failed",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	d.metrics.TaskTransitions.WithLabelValues(string(types.StatusFailure)).Inc()
}

// collectKeys pulls the per-model credentials out of the plan. The plan
// itself is always stored redacted; these only ever reach the vault.
func collectKeys(p *types.Plan) map[string]string {
	keys := make(map[string]string, len(p.Models))
	for _, m := range p.Models {
		if m.APIKey != "" {
			keys[m.Name] = m.APIKey
		}
	}
	return keys
}

// fingerprintLocks serializes submissions per fingerprint. Entries are
// dropped as soon as the last holder releases, so the map stays small.
type fingerprintLocks struct {
	mu   sync.Mutex
	held map[string]*fpLock
}

type fpLock struct {
	mu  sync.Mutex
	ref int
}

func (l *fingerprintLocks) acquire(fp string) *fpLock {
	l.mu.Lock()
	lock := l.held[fp]
	if lock == nil {
		lock = &fpLock{}
		l.held[fp] = lock
	}
	lock.ref++
	l.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (l *fingerprintLocks) release(fp string, lock *fpLock) {
	lock.mu.Unlock()

	l.mu.Lock()
	lock.ref--
	if lock.ref == 0 {
		delete(l.held, fp)
	}
	l.mu.Unlock()
}
