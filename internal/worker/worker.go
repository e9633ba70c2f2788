// Package worker runs the background pool that turns queued task ids into
// persisted results. Ownership is cooperative: the queue lease says who may
// work, the registry CAS says what the task is, and every write is safe to
// replay because samples are write-once and transitions are compare-and-set.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"podium/internal/credentials"
	"podium/internal/evaluator"
	"podium/internal/maintenance"
	"podium/internal/metrics"
	"podium/internal/queue"
	"podium/internal/store"
	"podium/internal/types"
)

// claimBlock bounds one Claim call so loops notice shutdown promptly.
const claimBlock = 5 * time.Second

// Storage is the slice of the store the worker needs. *store.Store
// satisfies it.
type Storage interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
	Transition(ctx context.Context, id string, from, to types.Status, patch store.TransitionPatch) (*types.Task, error)
	RequeueTask(ctx context.Context, id string) (*types.Task, bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	AppendSamples(ctx context.Context, samples []*types.Sample) (int64, error)
	UpsertFromTask(ctx context.Context, t *types.Task, evaluatorVersion string) (int64, error)
	LookupCache(ctx context.Context, q store.CacheQuery) ([]*types.AggregateRow, error)
}

// Options tunes the pool.
type Options struct {
	Concurrency         int
	TaskMaxDuration     time.Duration
	CancelLatencyBound  time.Duration
	ProgressMinInterval time.Duration
	StorageMaxRetries   int
	EvaluatorMaxRetries int
	RetryBackoff        time.Duration
	LeaseTTL            time.Duration
}

func (o *Options) applyDefaults() {
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.TaskMaxDuration <= 0 {
		o.TaskMaxDuration = 30 * time.Minute
	}
	if o.CancelLatencyBound <= 0 {
		o.CancelLatencyBound = 5 * time.Second
	}
	if o.ProgressMinInterval <= 0 {
		o.ProgressMinInterval = 500 * time.Millisecond
	}
	if o.StorageMaxRetries < 0 {
		o.StorageMaxRetries = 5
	}
	if o.EvaluatorMaxRetries < 0 {
		o.EvaluatorMaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 60 * time.Second
	}
}

// Pool claims queued tasks and drives them to a terminal state.
type Pool struct {
	store   Storage
	queue   queue.Queue
	vault   *credentials.Vault
	eval    evaluator.Evaluator
	sweeper *maintenance.Sweeper
	metrics *metrics.Metrics
	opts    Options
	logger  *zap.Logger
}

// New builds a Pool. A nil metrics gets a private registry.
func New(s Storage, q queue.Queue, v *credentials.Vault, eval evaluator.Evaluator,
	sweeper *maintenance.Sweeper, opts Options, m *metrics.Metrics, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	opts.applyDefaults()

	return &Pool{
		store:   s,
		queue:   q,
		vault:   v,
		eval:    eval,
		sweeper: sweeper,
		metrics: m,
		opts:    opts,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled, keeping Concurrency claim loops alive.
func (p *Pool) Run(ctx context.Context) error {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "podium"
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", host, i)
		g.Go(func() error {
			return p.loop(ctx, consumer)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, consumer string) error {
	logger := p.logger.With(zap.String("consumer", consumer))
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := p.queue.Claim(ctx, consumer, claimBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("claim failed", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		if d == nil {
			continue
		}

		p.handle(ctx, logger.With(zap.String("task_id", d.TaskID)), d)
	}
}

// handle owns one delivery from claim to ack. It never returns the message
// implicitly: every path either acks, nacks, or deliberately leaves the
// lease to expire.
func (p *Pool) handle(ctx context.Context, logger *zap.Logger, d *queue.Delivery) {
	t, err := p.store.GetTask(ctx, d.TaskID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			logger.Warn("dropping message for unknown task")
			p.ack(d)
			return
		}
		logger.Warn("registry unreadable, handing message back", zap.Error(err))
		p.nack(d, "registry unreadable")
		return
	}

	if t.Status.Terminal() {
		// Cancelled before a worker got to it, or a replay of finished work.
		p.purge(t.ID)
		p.ack(d)
		return
	}

	if t.Status == types.StatusStarted {
		if !d.Redelivered() {
			logger.Debug("task already owned, dropping duplicate delivery")
			p.ack(d)
			return
		}
		// The previous owner died mid-run: force the task back to PENDING
		// so the lifecycle record shows the restart.
		requeued, ok, err := p.store.RequeueTask(ctx, t.ID)
		if err != nil {
			p.nack(d, "requeue after lease expiry failed")
			return
		}
		if !ok {
			p.purge(t.ID)
			p.ack(d)
			return
		}
		logger.Info("reclaimed task from expired lease", zap.Int64("revision", requeued.Revision))
		t = requeued
	}

	started, err := p.store.Transition(ctx, t.ID, types.StatusPending, types.StatusStarted, store.TransitionPatch{})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			// Someone else moved it first; whatever it is now, this
			// delivery is spent.
			p.purge(t.ID)
			p.ack(d)
			return
		}
		p.nack(d, "start transition failed")
		return
	}
	p.metrics.TaskTransitions.WithLabelValues(string(types.StatusStarted)).Inc()

	switch started.Kind {
	case types.TaskKindEvaluation:
		p.runEvaluation(ctx, logger, d, started)
	case types.TaskKindCleanup:
		p.runCleanup(ctx, logger, d, started)
	default:
		logger.Error("unknown task kind", zap.String("kind", string(started.Kind)))
		p.finish(d, started.ID, types.KindValidation, fmt.Sprintf("unknown task kind %q", started.Kind))
	}
}

func (p *Pool) runEvaluation(ctx context.Context, logger *zap.Logger, d *queue.Delivery, t *types.Task) {
	pl, err := t.Plan()
	if err != nil {
		p.finish(d, t.ID, types.KindValidation, "plan snapshot undecodable")
		return
	}

	keys, err := p.vault.Get(t.ID)
	if err != nil {
		logger.Warn("credential envelope unavailable", zap.Error(err))
		p.finish(d, t.ID, types.KindCredentialsMissing, "credential envelope missing or expired")
		return
	}

	runCtx, cancelRun := context.WithDeadline(ctx, t.Deadline(p.opts.TaskMaxDuration))
	defer cancelRun()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.watchCancel(runCtx, t.ID, cancelRun, stop)
	}()
	go func() {
		defer wg.Done()
		p.renewLease(runCtx, logger, d, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	progress := &progressWriter{
		store:       p.store,
		taskID:      t.ID,
		minInterval: p.opts.ProgressMinInterval,
		logger:      logger,
	}

	req := evaluator.Request{
		TaskID: t.ID,
		Plan:   pl,
		Keys:   keys,
		OnSamples: func(cbCtx context.Context, batch []*types.Sample) error {
			for _, sm := range batch {
				sm.Fingerprint = t.Fingerprint
			}
			return p.persistBatch(cbCtx, batch)
		},
		OnProgress: progress.report,
	}

	evalErr := p.evaluateWithRetries(runCtx, logger, req)
	if evalErr != nil {
		p.settleFailure(ctx, logger, d, t, evalErr)
		return
	}

	rows, err := p.publishAggregates(ctx, t, pl)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			p.finish(d, t.ID, types.KindEvaluatorFatal, "evaluation produced no samples")
			return
		}
		if ctx.Err() != nil {
			// Shutdown mid-publish: the samples are durable and replays
			// are idempotent, so hand the task to the next claimer.
			logger.Info("shutdown during aggregate publish, handing task back")
			p.nack(d, "shutdown during aggregate publish")
			return
		}
		logger.Error("failed to publish aggregates", zap.Error(err))
		p.finish(d, t.ID, types.KindStorageUnavailable, "aggregates could not be published")
		return
	}

	result, err := json.Marshal(map[string]interface{}{
		"source": "evaluation",
		"rows":   rows,
	})
	if err != nil {
		p.finish(d, t.ID, types.KindStorageUnavailable, "result payload could not be encoded")
		return
	}

	if _, err := p.store.Transition(ctx, t.ID, types.StatusStarted, types.StatusSuccess,
		store.TransitionPatch{Result: result}); err != nil {
		// Raced a cancel after the work was done; the aggregates stay, the
		// task keeps its terminal state.
		logger.Warn("success transition lost", zap.Error(err))
		p.purge(t.ID)
		p.ack(d)
		return
	}

	p.metrics.TaskTransitions.WithLabelValues(string(types.StatusSuccess)).Inc()
	p.purge(t.ID)
	p.ack(d)
	logger.Info("evaluation complete", zap.Int("rows", len(rows)))
}

// evaluateWithRetries runs the engine, retrying evaluator-retryable errors
// with exponential backoff and jitter. Everything else surfaces unchanged.
func (p *Pool) evaluateWithRetries(ctx context.Context, logger *zap.Logger, req evaluator.Request) error {
	backoff := p.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := p.eval.Evaluate(ctx, req)
		p.metrics.EvalDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if types.KindOf(err) != types.KindEvaluatorRetryable || attempt >= p.opts.EvaluatorMaxRetries {
			return err
		}

		wait := backoff + time.Duration(rand.Int64N(int64(backoff)/2+1))
		logger.Warn("evaluation attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if !sleepCtx(ctx, wait) {
			return err
		}
		backoff *= 2
	}
}

// settleFailure maps a failed evaluation onto the task lifecycle.
func (p *Pool) settleFailure(ctx context.Context, logger *zap.Logger, d *queue.Delivery, t *types.Task, evalErr error) {
	kind := types.KindOf(evalErr)

	if kind == types.KindCancelled {
		if ctx.Err() != nil {
			// Pool shutdown, not a user cancel: hand the message back and
			// leave the task STARTED for the next claimer to requeue.
			logger.Info("run interrupted by shutdown, handing task back")
			p.nack(d, "worker shutdown")
			return
		}
		// The watcher saw the registry leave STARTED; the cancel is already
		// on the record.
		logger.Info("run stopped by cancellation")
		p.purge(t.ID)
		p.ack(d)
		return
	}

	msg := evalErr.Error()
	if kind == types.KindTimeout {
		msg = fmt.Sprintf("evaluation exceeded %s", p.opts.TaskMaxDuration)
	}
	logger.Warn("evaluation failed",
		zap.String("kind", string(kind)),
		zap.Error(evalErr))
	p.finish(d, t.ID, kind, msg)
}

// publishAggregates folds the task's samples into the leaderboard and reads
// the resulting rows back for the task's result payload. The upsert happens
// strictly before the caller's SUCCESS transition.
func (p *Pool) publishAggregates(ctx context.Context, t *types.Task, pl types.Plan) ([]*types.AggregateRow, error) {
	if err := p.retryStorage(ctx, func() error {
		_, err := p.store.UpsertFromTask(ctx, t, p.eval.Version())
		return err
	}); err != nil {
		return nil, err
	}

	var rows []*types.AggregateRow
	err := p.retryStorage(ctx, func() error {
		var err error
		rows, err = p.store.LookupCache(ctx, store.CacheQuery{
			Fingerprint:  t.Fingerprint,
			ModelNames:   pl.ModelNames(),
			Language:     pl.NormalizedLanguage(),
			TaskType:     string(pl.TaskType),
			SubjectTypes: pl.SubjectTypes,
		})
		return err
	})
	return rows, err
}

// persistBatch writes one sample batch, retrying storage trouble with
// exponential backoff. Exhaustion aborts the evaluation with
// storage_unavailable, which is a permanent task failure.
func (p *Pool) persistBatch(ctx context.Context, batch []*types.Sample) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= p.opts.StorageMaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoff) {
				return types.WrapError(abortKind(ctx), ctx.Err(), "sample write interrupted")
			}
			backoff *= 2
		}

		n, err := p.store.AppendSamples(ctx, batch)
		if err == nil {
			p.metrics.SamplesPersisted.Add(float64(n))
			return nil
		}
		lastErr = err
	}

	return types.WrapError(types.KindStorageUnavailable, lastErr,
		"sample batch undeliverable after %d attempts", p.opts.StorageMaxRetries+1)
}

// retryStorage retries fn on storage_unavailable errors only.
func (p *Pool) retryStorage(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= p.opts.StorageMaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoff) {
				return types.WrapError(abortKind(ctx), ctx.Err(), "storage write interrupted")
			}
			backoff *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if types.KindOf(lastErr) != types.KindStorageUnavailable {
			return lastErr
		}
	}
	return lastErr
}

// abortKind classifies an interrupted wait: running past the task deadline
// is a timeout, every other context end is a cancel.
func abortKind(ctx context.Context) types.Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.KindTimeout
	}
	return types.KindCancelled
}

func (p *Pool) runCleanup(ctx context.Context, logger *zap.Logger, d *queue.Delivery, t *types.Task) {
	var spec types.CleanupSpec
	if err := json.Unmarshal(t.PlanSnapshot, &spec); err != nil {
		p.finish(d, t.ID, types.KindValidation, "cleanup spec undecodable")
		return
	}

	runCtx, cancelRun := context.WithDeadline(ctx, t.Deadline(p.opts.TaskMaxDuration))
	defer cancelRun()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.watchCancel(runCtx, t.ID, cancelRun, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	progress := &progressWriter{
		store:       p.store,
		taskID:      t.ID,
		minInterval: p.opts.ProgressMinInterval,
		logger:      logger,
	}

	summary, err := p.sweeper.Run(runCtx, spec, progress.report)
	if err != nil {
		if types.KindOf(err) == types.KindCancelled && ctx.Err() == nil {
			logger.Info("sweep stopped by cancellation")
			p.ack(d)
			return
		}
		logger.Warn("sweep failed", zap.Error(err))
		p.finish(d, t.ID, types.KindOf(err), err.Error())
		return
	}

	result, err := json.Marshal(summary)
	if err != nil {
		p.finish(d, t.ID, types.KindStorageUnavailable, "sweep summary could not be encoded")
		return
	}

	if _, err := p.store.Transition(ctx, t.ID, types.StatusStarted, types.StatusSuccess,
		store.TransitionPatch{Result: result}); err != nil {
		logger.Warn("success transition lost", zap.Error(err))
		p.ack(d)
		return
	}

	p.metrics.TaskTransitions.WithLabelValues(string(types.StatusSuccess)).Inc()
	p.ack(d)
	logger.Info("cleanup complete", zap.Int64("records", summary.Total()))
}

// finish marks a task failed and retires the delivery. A conflict means a
// cancel won the race, which is just as terminal.
func (p *Pool) finish(d *queue.Delivery, taskID string, kind types.Kind, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.store.Transition(ctx, taskID, types.StatusStarted, types.StatusFailure, store.TransitionPatch{
		ErrorKind:    string(kind),
		ErrorMessage: msg,
	})
	if err != nil && !errors.Is(err, types.ErrConflict) {
		p.logger.Error("failed to record task failure",
			zap.String("task_id", taskID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	if err == nil {
		p.metrics.TaskTransitions.WithLabelValues(string(types.StatusFailure)).Inc()
	}

	p.purge(taskID)
	p.ack(d)
}

// watchCancel polls the registry and cancels the run context when the task
// leaves STARTED. Polling every half bound keeps the observed cancel
// latency inside cancel_latency_bound.
func (p *Pool) watchCancel(ctx context.Context, taskID string, cancel context.CancelFunc, stop <-chan struct{}) {
	interval := p.opts.CancelLatencyBound / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := p.store.GetTask(ctx, taskID)
			if err != nil {
				continue
			}
			if t.Status != types.StatusStarted {
				cancel()
				return
			}
		}
	}
}

// renewLease keeps the queue lease alive for the duration of a run.
func (p *Pool) renewLease(ctx context.Context, logger *zap.Logger, d *queue.Delivery, stop <-chan struct{}) {
	interval := p.opts.LeaseTTL / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Renew(ctx, d); err != nil {
				logger.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}
}

// purge drops a credential envelope and keeps the gauge honest.
func (p *Pool) purge(taskID string) {
	p.vault.Purge(taskID)
	p.metrics.EnvelopesHeld.Set(float64(p.vault.Len()))
}

// ack and nack use their own deadline so queue bookkeeping survives pool
// shutdown.
func (p *Pool) ack(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.queue.Ack(ctx, d); err != nil {
		p.logger.Warn("ack failed", zap.String("task_id", d.TaskID), zap.Error(err))
	}
}

func (p *Pool) nack(d *queue.Delivery, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.queue.Nack(ctx, d, reason); err != nil {
		p.logger.Warn("nack failed", zap.String("task_id", d.TaskID), zap.Error(err))
	}
}

// sleepCtx waits d unless ctx ends first; it reports whether the full wait
// happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// progressWriter throttles progress writes to one per minInterval, always
// letting the terminal-adjacent 99 through. Writes are best effort.
type progressWriter struct {
	store       Storage
	taskID      string
	minInterval time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	lastWrite time.Time
	lastPct   int
}

func (w *progressWriter) report(done, total int) {
	if total <= 0 {
		return
	}
	pct := done * 100 / total
	if pct > 99 {
		// 100 is reserved for the SUCCESS transition.
		pct = 99
	}

	w.mu.Lock()
	now := time.Now()
	if pct <= w.lastPct || (now.Sub(w.lastWrite) < w.minInterval && pct != 99) {
		w.mu.Unlock()
		return
	}
	w.lastPct = pct
	w.lastWrite = now
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := w.store.UpdateProgress(ctx, w.taskID, pct); err != nil {
		w.logger.Debug("progress write dropped", zap.Error(err))
	}
}
