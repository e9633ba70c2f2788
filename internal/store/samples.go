package store

import (
	"context"
	"time"

	"podium/internal/types"
)

// AppendSamples writes a batch of per-sample outcomes in one transaction.
// The (task_id, model_name, sample_index) key makes retried batches
// harmless: rows already present are skipped and the returned count only
// covers rows actually inserted.
func (s *Store) AppendSamples(ctx context.Context, samples []*types.Sample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to begin sample batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.rebind(`
		INSERT INTO samples (task_id, model_name, sample_index, fingerprint,
			prompt, answer, correctness, skill_label, target_label,
			subject_label, task_label, dataset_name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, model_name, sample_index) DO NOTHING`))
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to prepare sample insert")
	}
	defer stmt.Close()

	now := s.now()
	var inserted int64
	for _, sm := range samples {
		res, err := stmt.ExecContext(ctx,
			sm.TaskID, sm.ModelName, sm.SampleIndex, sm.Fingerprint,
			sm.Prompt, sm.Answer, sm.Correctness, sm.SkillLabel, sm.TargetLabel,
			sm.SubjectLabel, sm.TaskLabel, sm.DatasetName, nullableJSON(sm.Metadata), now)
		if err != nil {
			return 0, types.WrapError(types.KindStorageUnavailable, err,
				"failed to insert sample %d for model %s", sm.SampleIndex, sm.ModelName)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to read sample insert result")
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to commit sample batch")
	}
	return inserted, nil
}

// SamplesByTask returns every stored sample for a task, in write order.
func (s *Store) SamplesByTask(ctx context.Context, taskID string) ([]*types.Sample, error) {
	var samples []*types.Sample
	err := s.db.SelectContext(ctx, &samples, s.rebind(`
		SELECT * FROM samples WHERE task_id = ?
		ORDER BY model_name ASC, sample_index ASC`), taskID)
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to load samples for task %s", taskID)
	}
	return samples, nil
}

// SampleCount counts stored samples for a task.
func (s *Store) SampleCount(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM samples WHERE task_id = ?`), taskID)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to count samples for task %s", taskID)
	}
	return n, nil
}

// SampleAggregate is one (model, subject) cell produced by a finished task.
type SampleAggregate struct {
	ModelName    string  `db:"model_name"`
	SubjectLabel string  `db:"subject_label"`
	Score        float64 `db:"score"`
	SampleCount  int64   `db:"sample_count"`
}

// AggregateByTask folds a task's samples into per-(model, subject) mean
// correctness, the shape the leaderboard cache stores.
func (s *Store) AggregateByTask(ctx context.Context, taskID string) ([]SampleAggregate, error) {
	var aggs []SampleAggregate
	err := s.db.SelectContext(ctx, &aggs, s.rebind(`
		SELECT model_name, subject_label,
			AVG(correctness) AS score, COUNT(*) AS sample_count
		FROM samples WHERE task_id = ?
		GROUP BY model_name, subject_label
		ORDER BY model_name ASC, subject_label ASC`), taskID)
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to aggregate samples for task %s", taskID)
	}
	return aggs, nil
}

// CleanupSamples deletes samples older than the cutoff whose parent task is
// already terminal, so an active task never loses rows under it.
func (s *Store) CleanupSamples(ctx context.Context, cutoff time.Time, limit int, dryRun bool) (int64, error) {
	if limit <= 0 {
		limit = 5000
	}

	if dryRun {
		var n int64
		err := s.db.GetContext(ctx, &n, s.rebind(`
			SELECT COUNT(*) FROM samples sm
			WHERE sm.created_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM tasks t
				WHERE t.task_id = sm.task_id AND t.status IN ('PENDING','STARTED'))`),
			cutoff)
		if err != nil {
			return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to count sample cleanup candidates")
		}
		if n > int64(limit) {
			n = int64(limit)
		}
		return n, nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM samples WHERE (task_id, model_name, sample_index) IN (
			SELECT sm.task_id, sm.model_name, sm.sample_index FROM samples sm
			WHERE sm.created_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM tasks t
				WHERE t.task_id = sm.task_id AND t.status IN ('PENDING','STARTED'))
			ORDER BY sm.created_at ASC LIMIT ?)`),
		cutoff, limit)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to delete old samples")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to read sample cleanup result")
	}
	return n, nil
}
