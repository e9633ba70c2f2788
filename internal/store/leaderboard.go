package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

// CacheQuery describes one cache lookup: which fingerprint, which models and
// subjects the plan needs, and how fresh a row must be to count.
type CacheQuery struct {
	Fingerprint  string
	ModelNames   []string
	Language     string
	TaskType     string
	SubjectTypes []string
	TTL          time.Duration
	MinVersion   string
}

// LookupCache returns every reusable leaderboard row for the query. Rows are
// reusable when they match the fingerprint slice exactly, are younger than
// the TTL, are not quarantined, and were written by an evaluator at or above
// the pinned version. Callers compare the result against the full
// (model, subject) grid to decide hit, partial hit, or miss.
func (s *Store) LookupCache(ctx context.Context, q CacheQuery) ([]*types.AggregateRow, error) {
	if len(q.ModelNames) == 0 || len(q.SubjectTypes) == 0 {
		return nil, nil
	}

	query := `
		SELECT * FROM leaderboard_cache
		WHERE fingerprint = ? AND language = ? AND task_type = ?
		AND quarantined = ?
		AND model_name IN (?) AND subject_type IN (?)`
	args := []interface{}{q.Fingerprint, q.Language, q.TaskType, false, q.ModelNames, q.SubjectTypes}

	if q.TTL > 0 {
		query += ` AND last_updated >= ?`
		args = append(args, s.now().Add(-q.TTL))
	}
	if q.MinVersion != "" {
		query += ` AND evaluator_version >= ?`
		args = append(args, q.MinVersion)
	}
	query += ` ORDER BY model_name ASC, subject_type ASC`

	expanded, expandedArgs, err := s.inClause(query, args...)
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to build cache lookup")
	}

	var rows []*types.AggregateRow
	if err := s.db.SelectContext(ctx, &rows, expanded, expandedArgs...); err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to look up cache")
	}
	return rows, nil
}

// UpsertAggregates writes a finished task's (model, subject) scores into the
// leaderboard. Existing cells are overwritten in place, and any quarantine on
// them is cleared: a fresh run is the restore path for bad data.
func (s *Store) UpsertAggregates(ctx context.Context, fingerprint, language, taskType, sourceTaskID, evaluatorVersion string, aggs []SampleAggregate) (int64, error) {
	if len(aggs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to begin aggregate upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.rebind(`
		INSERT INTO leaderboard_cache (fingerprint, model_name, language,
			subject_type, task_type, score, sample_count, evaluator_version,
			source_task_id, quarantined, quarantine_reason, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint, model_name, language, subject_type, task_type) DO UPDATE SET
			score = excluded.score,
			sample_count = excluded.sample_count,
			evaluator_version = excluded.evaluator_version,
			source_task_id = excluded.source_task_id,
			quarantined = excluded.quarantined,
			quarantine_reason = excluded.quarantine_reason,
			last_updated = excluded.last_updated`))
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to prepare aggregate upsert")
	}
	defer stmt.Close()

	now := s.now()
	for _, agg := range aggs {
		if _, err := stmt.ExecContext(ctx,
			fingerprint, agg.ModelName, language, agg.SubjectLabel, taskType,
			agg.Score, agg.SampleCount, evaluatorVersion, sourceTaskID,
			false, "", now); err != nil {
			return 0, types.WrapError(types.KindStorageUnavailable, err,
				"failed to upsert aggregate for model %s subject %s", agg.ModelName, agg.SubjectLabel)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to commit aggregate upsert")
	}

	s.logger.Debug("leaderboard updated",
		zap.String("fingerprint", fingerprint),
		zap.String("task_id", sourceTaskID),
		zap.Int("rows", len(aggs)))
	return int64(len(aggs)), nil
}

// UpsertFromTask folds a finished task's samples into the leaderboard. The
// slice keys (language, task type) come from the task's plan snapshot, so
// the caller only names the task and the evaluator version that produced it.
func (s *Store) UpsertFromTask(ctx context.Context, t *types.Task, evaluatorVersion string) (int64, error) {
	p, err := t.Plan()
	if err != nil {
		return 0, err
	}

	aggs, err := s.AggregateByTask(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	if len(aggs) == 0 {
		return 0, types.NewError(types.KindConflict, "task %s produced no samples to aggregate", t.ID)
	}

	return s.UpsertAggregates(ctx, t.Fingerprint, p.NormalizedLanguage(),
		string(p.TaskType), t.ID, evaluatorVersion, aggs)
}

// Browse reads leaderboard rows for the public listing, best score first.
// Quarantined rows are hidden unless the filter asks for them.
func (s *Store) Browse(ctx context.Context, f types.BrowseFilter) ([]*types.AggregateRow, error) {
	query := `SELECT * FROM leaderboard_cache WHERE 1=1`
	var args []interface{}

	if !f.IncludeQuarantined {
		query += ` AND quarantined = ?`
		args = append(args, false)
	}
	if f.Language != "" {
		query += ` AND language = ?`
		args = append(args, f.Language)
	}
	if f.SubjectType != "" {
		query += ` AND subject_type = ?`
		args = append(args, f.SubjectType)
	}
	if f.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	if f.ModelName != "" {
		query += ` AND model_name LIKE ?`
		args = append(args, "%"+f.ModelName+"%")
	}
	if f.ScoreMin != nil {
		query += ` AND score >= ?`
		args = append(args, *f.ScoreMin)
	}
	if f.ScoreMax != nil {
		query += ` AND score <= ?`
		args = append(args, *f.ScoreMax)
	}
	if f.UpdatedAfter != nil {
		query += ` AND last_updated >= ?`
		args = append(args, *f.UpdatedAfter)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query += ` ORDER BY score DESC, model_name ASC, row_id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	var rows []*types.AggregateRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to browse leaderboard")
	}
	return rows, nil
}

// Categories lists the distinct filter values present in visible rows.
func (s *Store) Categories(ctx context.Context) (*types.Categories, error) {
	cats := &types.Categories{
		Languages:    []string{},
		SubjectTypes: []string{},
		TaskTypes:    []string{},
	}

	for _, col := range []struct {
		name string
		dst  *[]string
	}{
		{"language", &cats.Languages},
		{"subject_type", &cats.SubjectTypes},
		{"task_type", &cats.TaskTypes},
	} {
		err := s.db.SelectContext(ctx, col.dst, s.rebind(
			`SELECT DISTINCT `+col.name+` FROM leaderboard_cache WHERE quarantined = ? ORDER BY `+col.name+` ASC`),
			false)
		if err != nil {
			return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to list %s values", col.name)
		}
	}
	return cats, nil
}

// GetRow fetches one leaderboard row by id, quarantined or not.
func (s *Store) GetRow(ctx context.Context, rowID int64) (*types.AggregateRow, error) {
	var row types.AggregateRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT * FROM leaderboard_cache WHERE row_id = ?`), rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "leaderboard row %d not found", rowID)
	}
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to get leaderboard row %d", rowID)
	}
	return &row, nil
}

// QuarantineRows hides rows from cache lookups and public reads without
// destroying the underlying scores.
func (s *Store) QuarantineRows(ctx context.Context, rowIDs []int64, reason string) (int64, error) {
	if len(rowIDs) == 0 {
		return 0, nil
	}

	query, args, err := s.inClause(`
		UPDATE leaderboard_cache SET quarantined = ?, quarantine_reason = ?, last_updated = ?
		WHERE row_id IN (?)`,
		true, reason, s.now(), rowIDs)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to build quarantine update")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to quarantine rows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to read quarantine result")
	}
	return n, nil
}

// RestoreRows lifts a quarantine.
func (s *Store) RestoreRows(ctx context.Context, rowIDs []int64) (int64, error) {
	if len(rowIDs) == 0 {
		return 0, nil
	}

	query, args, err := s.inClause(`
		UPDATE leaderboard_cache SET quarantined = ?, quarantine_reason = '', last_updated = ?
		WHERE row_id IN (?)`,
		false, s.now(), rowIDs)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to build restore update")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to restore rows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to read restore result")
	}
	return n, nil
}

// DeleteRow removes one leaderboard row permanently.
func (s *Store) DeleteRow(ctx context.Context, rowID int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM leaderboard_cache WHERE row_id = ?`), rowID)
	if err != nil {
		return types.WrapError(types.KindStorageUnavailable, err, "failed to delete leaderboard row %d", rowID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.WrapError(types.KindStorageUnavailable, err, "failed to read delete result")
	}
	if n == 0 {
		return types.NewError(types.KindNotFound, "leaderboard row %d not found", rowID)
	}
	return nil
}

// CacheStats summarizes the leaderboard for the stats endpoint.
type CacheStats struct {
	Rows        int64      `json:"rows"`
	Quarantined int64      `json:"quarantined"`
	Models      int64      `json:"models"`
	OldestEntry *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry *time.Time `json:"newest_entry,omitempty"`
}

// LeaderboardStats counts visible and quarantined rows and the update span.
func (s *Store) LeaderboardStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{}

	err := s.db.QueryRowxContext(ctx, s.rebind(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN quarantined = ? THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT model_name)
		FROM leaderboard_cache`), true).
		Scan(&stats.Rows, &stats.Quarantined, &stats.Models)
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to count leaderboard rows")
	}

	// MIN/MAX over a DATETIME column loses the declared type under SQLite,
	// so the span reads plain columns instead.
	if stats.Rows > 0 {
		var oldest, newest time.Time
		if err := s.db.GetContext(ctx, &oldest,
			`SELECT last_updated FROM leaderboard_cache ORDER BY last_updated ASC LIMIT 1`); err != nil {
			return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to read oldest leaderboard entry")
		}
		if err := s.db.GetContext(ctx, &newest,
			`SELECT last_updated FROM leaderboard_cache ORDER BY last_updated DESC LIMIT 1`); err != nil {
			return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to read newest leaderboard entry")
		}
		stats.OldestEntry = &oldest
		stats.NewestEntry = &newest
	}
	return stats, nil
}

// CleanupCache handles stale leaderboard rows. The default sweep quarantines
// them, keeping the data recoverable; hardDelete removes them outright.
func (s *Store) CleanupCache(ctx context.Context, cutoff time.Time, limit int, dryRun, hardDelete bool) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	if dryRun {
		var n int64
		err := s.db.GetContext(ctx, &n, s.rebind(`
			SELECT COUNT(*) FROM leaderboard_cache WHERE last_updated < ?`), cutoff)
		if err != nil {
			return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to count cache cleanup candidates")
		}
		if n > int64(limit) {
			n = int64(limit)
		}
		return n, nil
	}

	var res sql.Result
	var err error
	if hardDelete {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			DELETE FROM leaderboard_cache WHERE row_id IN (
				SELECT row_id FROM leaderboard_cache
				WHERE last_updated < ? ORDER BY last_updated ASC LIMIT ?)`),
			cutoff, limit)
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE leaderboard_cache SET quarantined = ?, quarantine_reason = 'expired'
			WHERE row_id IN (
				SELECT row_id FROM leaderboard_cache
				WHERE last_updated < ? AND quarantined = ?
				ORDER BY last_updated ASC LIMIT ?)`),
			true, cutoff, false, limit)
	}
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to clean leaderboard cache")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.WrapError(types.KindStorageUnavailable, err, "failed to read cache cleanup result")
	}
	return n, nil
}
