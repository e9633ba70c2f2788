package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"podium/internal/types"
)

// TransitionPatch carries the fields a lifecycle transition writes alongside
// the status change.
type TransitionPatch struct {
	Result       json.RawMessage
	ErrorKind    string
	ErrorMessage string
}

// NewTask builds an unsaved PENDING task for the given plan fingerprint.
func NewTask(kind types.TaskKind, fingerprint string, snapshot json.RawMessage) *types.Task {
	return &types.Task{
		ID:           uuid.NewString(),
		Kind:         kind,
		Fingerprint:  fingerprint,
		Status:       types.StatusPending,
		Revision:     1,
		PlanSnapshot: snapshot,
	}
}

// CreateTask inserts a PENDING task. When another evaluation task with the
// same fingerprint is already in flight, no row is written and the existing
// task is returned together with types.ErrDuplicateInFlight, which callers
// treat as "attach", never as a user-facing failure.
func (s *Store) CreateTask(ctx context.Context, t *types.Task) (*types.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = types.StatusPending
	}
	if t.Revision == 0 {
		t.Revision = 1
	}
	t.CreatedAt = s.now()

	if t.Kind == types.TaskKindEvaluation {
		existing, err := s.inFlightByFingerprint(ctx, t.Fingerprint)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, types.WrapError(types.KindDuplicateInFlight, nil,
				"fingerprint %s already tracked by task %s", t.Fingerprint, existing.ID)
		}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (task_id, kind, fingerprint, status, progress, revision,
			cached, plan_snapshot, result, error_kind, error_message,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Kind, t.Fingerprint, t.Status, t.Progress, t.Revision,
		t.Cached, nullableJSON(t.PlanSnapshot), nullableJSON(t.Result),
		t.ErrorKind, t.ErrorMessage, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		// Two processes can race past the existence check; the partial unique
		// index decides the winner and the loser attaches.
		if isUniqueViolation(err) {
			existing, lookupErr := s.inFlightByFingerprint(ctx, t.Fingerprint)
			if lookupErr == nil && existing != nil {
				return existing, types.WrapError(types.KindDuplicateInFlight, nil,
					"fingerprint %s already tracked by task %s", t.Fingerprint, existing.ID)
			}
		}
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to create task")
	}

	s.logger.Debug("task created",
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("fingerprint", t.Fingerprint))
	return t, nil
}

// CreateCompletedTask inserts a task directly in a terminal state. Used for
// cache hits, where the answer exists before any work is queued.
func (s *Store) CreateCompletedTask(ctx context.Context, t *types.Task) (*types.Task, error) {
	if !t.Status.Terminal() {
		return nil, types.NewError(types.KindConflict, "completed task must be terminal, got %s", t.Status)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Revision = 1
	t.CreatedAt = s.now()
	now := t.CreatedAt
	t.CompletedAt = &now
	if t.Status == types.StatusSuccess {
		t.Progress = 100
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (task_id, kind, fingerprint, status, progress, revision,
			cached, plan_snapshot, result, error_kind, error_message,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Kind, t.Fingerprint, t.Status, t.Progress, t.Revision,
		t.Cached, nullableJSON(t.PlanSnapshot), nullableJSON(t.Result),
		t.ErrorKind, t.ErrorMessage, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to create completed task")
	}
	return t, nil
}

// inFlightByFingerprint returns the live evaluation task for a fingerprint,
// or nil when none exists.
func (s *Store) inFlightByFingerprint(ctx context.Context, fingerprint string) (*types.Task, error) {
	var t types.Task
	err := s.db.GetContext(ctx, &t, s.rebind(`
		SELECT * FROM tasks
		WHERE fingerprint = ? AND kind = 'evaluation' AND status IN ('PENDING','STARTED')`),
		fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to check in-flight tasks")
	}
	return &t, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var t types.Task
	err := s.db.GetContext(ctx, &t, s.rebind(`SELECT * FROM tasks WHERE task_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to get task %s", id)
	}
	return &t, nil
}

// Transition performs a compare-and-set lifecycle step: the row moves
// from->to only if it is still in from, and the revision increments exactly
// once. Illegal or stale transitions return a conflict.
func (s *Store) Transition(ctx context.Context, id string, from, to types.Status, patch TransitionPatch) (*types.Task, error) {
	if !types.CanTransition(from, to) {
		return nil, types.NewError(types.KindConflict, "illegal transition %s to %s", from, to)
	}

	now := s.now()
	var res sql.Result
	var err error

	switch to {
	case types.StatusStarted:
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, revision = revision + 1, started_at = ?
			WHERE task_id = ? AND status = ?`),
			to, now, id, from)
	case types.StatusSuccess:
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, revision = revision + 1, progress = 100,
				completed_at = ?, result = ?
			WHERE task_id = ? AND status = ?`),
			to, now, nullableJSON(patch.Result), id, from)
	case types.StatusFailure, types.StatusCancelled:
		kind := patch.ErrorKind
		if to == types.StatusCancelled && kind == "" {
			kind = string(types.KindCancelled)
		}
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, revision = revision + 1,
				completed_at = ?, error_kind = ?, error_message = ?
			WHERE task_id = ? AND status = ?`),
			to, now, kind, patch.ErrorMessage, id, from)
	case types.StatusPending:
		// Lease-expiry requeue: the task goes back on the line with its
		// progress reset so the next worker starts clean.
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = ?, revision = revision + 1,
				progress = 0, started_at = NULL
			WHERE task_id = ? AND status = ?`),
			to, id, from)
	default:
		return nil, types.NewError(types.KindConflict, "unknown target status %s", to)
	}
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to transition task %s", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to read transition result")
	}
	if n == 0 {
		current, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, types.NewError(types.KindConflict,
			"task %s is %s, cannot apply %s to %s", id, current.Status, from, to)
	}

	s.logger.Debug("task transitioned",
		zap.String("task_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return s.GetTask(ctx, id)
}

// RequeueTask forces a STARTED task back to PENDING after its queue lease
// expired. The bool reports whether the transition happened; tasks that are
// no longer STARTED are left alone.
func (s *Store) RequeueTask(ctx context.Context, id string) (*types.Task, bool, error) {
	t, err := s.Transition(ctx, id, types.StatusStarted, types.StatusPending, TransitionPatch{})
	if err != nil {
		if errors.Is(err, types.ErrConflict) && t != nil {
			return t, false, nil
		}
		return nil, false, err
	}
	return t, true, nil
}

// CancelTask moves a live task to CANCELLED. The bool reports whether this
// call performed the transition; terminal tasks return false with no error
// so the API layer can answer 409 with the current state.
func (s *Store) CancelTask(ctx context.Context, id, reason string) (*types.Task, bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET status = ?, revision = revision + 1,
			completed_at = ?, error_kind = ?, error_message = ?
		WHERE task_id = ? AND status IN ('PENDING','STARTED')`),
		types.StatusCancelled, s.now(), types.KindCancelled, reason, id)
	if err != nil {
		return nil, false, types.WrapError(types.KindStorageUnavailable, err, "failed to cancel task %s", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, types.WrapError(types.KindStorageUnavailable, err, "failed to read cancel result")
	}

	t, getErr := s.GetTask(ctx, id)
	if getErr != nil {
		return nil, false, getErr
	}
	return t, n > 0, nil
}

// UpdateProgress advances a STARTED task's progress. Progress is monotone:
// regressions and writes against non-running tasks are dropped silently,
// reported by the bool.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET progress = ?, revision = revision + 1
		WHERE task_id = ? AND status = 'STARTED' AND progress < ?`),
		progress, id, progress)
	if err != nil {
		return false, types.WrapError(types.KindStorageUnavailable, err, "failed to update progress for %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.WrapError(types.KindStorageUnavailable, err, "failed to read progress result")
	}
	return n > 0, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f types.TaskFilter) ([]*types.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query += ` ORDER BY created_at DESC, task_id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	var tasks []*types.Task
	if err := s.db.SelectContext(ctx, &tasks, s.rebind(query), args...); err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to list tasks")
	}
	return tasks, nil
}

// TaskStats reports the per-status census plus the median runtime of the
// most recently completed work.
func (s *Store) TaskStats(ctx context.Context) (*types.TaskStats, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`)
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to count tasks")
	}
	defer rows.Close()

	stats := &types.TaskStats{ByStatus: make(map[types.Status]int)}
	for rows.Next() {
		var status types.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to scan task counts")
		}
		stats.ByStatus[status] = n
		stats.Total += n
		if !status.Terminal() {
			stats.InFlight += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to iterate task counts")
	}

	median, err := s.medianRecentDuration(ctx, 100)
	if err != nil {
		return nil, err
	}
	stats.MedianDuration = median

	return stats, nil
}

// medianRecentDuration computes the median started->completed runtime over
// the last n executed tasks. Cached tasks never start, so they are excluded.
func (s *Store) medianRecentDuration(ctx context.Context, n int) (float64, error) {
	type span struct {
		StartedAt   time.Time `db:"started_at"`
		CompletedAt time.Time `db:"completed_at"`
	}
	var spans []span
	err := s.db.SelectContext(ctx, &spans, s.rebind(`
		SELECT started_at, completed_at FROM tasks
		WHERE started_at IS NOT NULL AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT ?`), n)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to load recent durations")
	}
	if len(spans) == 0 {
		return 0, nil
	}

	durations := make([]float64, len(spans))
	for i, sp := range spans {
		durations[i] = sp.CompletedAt.Sub(sp.StartedAt).Seconds()
	}
	sort.Float64s(durations)
	mid := len(durations) / 2
	if len(durations)%2 == 1 {
		return durations[mid], nil
	}
	return (durations[mid-1] + durations[mid]) / 2, nil
}

// CleanupTasks deletes terminal tasks completed before the cutoff. With
// dryRun it only counts. The limit bounds one sweep so cleanup tasks report
// progress instead of holding a giant transaction.
func (s *Store) CleanupTasks(ctx context.Context, cutoff time.Time, limit int, dryRun bool) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	if dryRun {
		var n int64
		err := s.db.GetContext(ctx, &n, s.rebind(`
			SELECT COUNT(*) FROM tasks
			WHERE status IN ('SUCCESS','FAILURE','CANCELLED') AND completed_at < ?`),
			cutoff)
		if err != nil {
			return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to count cleanup candidates")
		}
		if n > int64(limit) {
			n = int64(limit)
		}
		return n, nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM tasks WHERE task_id IN (
			SELECT task_id FROM tasks
			WHERE status IN ('SUCCESS','FAILURE','CANCELLED') AND completed_at < ?
			ORDER BY completed_at ASC LIMIT ?)`),
		cutoff, limit)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to delete old tasks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to read cleanup result")
	}
	return n, nil
}

// nullableJSON maps empty JSON payloads to NULL.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
