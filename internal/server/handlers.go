package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"podium/internal/types"
)

// maxModerationBatch caps row_ids per quarantine/restore request.
const maxModerationBatch = 500

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var p types.Plan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, string(types.KindValidation),
			"request body is not a plan: "+err.Error())
		return
	}

	receipt, err := s.dispatcher.Submit(r.Context(), &p)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := types.Status(strings.ToUpper(q.Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, string(types.KindValidation),
			"unknown status "+string(status))
		return
	}
	kind := types.TaskKind(q.Get("kind"))
	if kind != "" && kind != types.TaskKindEvaluation && kind != types.TaskKindCleanup {
		writeError(w, http.StatusBadRequest, string(types.KindValidation),
			"unknown kind "+string(kind))
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), types.TaskFilter{
		Status: status,
		Kind:   kind,
		Limit:  intQuery(q.Get("limit"), 50),
		Offset: intQuery(q.Get("offset"), 0),
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(types.KindValidation), "malformed request body")
		return
	}
	if body.Action != "cancel" {
		writeError(w, http.StatusBadRequest, string(types.KindValidation),
			"unsupported action "+strconv.Quote(body.Action))
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	t, changed, err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "taskID"), body.Reason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, string(types.KindConflict),
			"task "+t.ID+" is already "+string(t.Status))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := types.BrowseFilter{
		Language:    q.Get("language"),
		SubjectType: q.Get("subject_type"),
		TaskType:    q.Get("task_type"),
		ModelName:   q.Get("model_name"),
		Limit:       intQuery(q.Get("limit"), 100),
		Offset:      intQuery(q.Get("offset"), 0),
	}

	// Quarantined rows are admin-only visibility.
	f.IncludeQuarantined = q.Get("include_quarantined") == "true" && s.isAdmin(r)

	var parseErr error
	if raw := q.Get("score_min"); raw != "" {
		f.ScoreMin, parseErr = floatParam(raw)
	}
	if raw := q.Get("score_max"); raw != "" && parseErr == nil {
		f.ScoreMax, parseErr = floatParam(raw)
	}
	if raw := q.Get("updated_after"); raw != "" && parseErr == nil {
		var ts time.Time
		ts, parseErr = time.Parse(time.RFC3339, raw)
		if parseErr == nil {
			f.UpdatedAfter = &ts
		}
	}
	if parseErr != nil {
		writeError(w, http.StatusBadRequest, string(types.KindValidation),
			"malformed filter: "+parseErr.Error())
		return
	}

	rows, err := s.store.Browse(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows":  rows,
		"count": len(rows),
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.Categories(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	ids, reason, err := decodeModeration(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if reason == "" {
		writeError(w, http.StatusBadRequest, string(types.KindValidation),
			"quarantine needs a reason")
		return
	}

	n, err := s.store.QuarantineRows(r.Context(), ids, reason)
	if err != nil {
		writeFailure(w, err)
		return
	}

	s.audit(r.Context(), "quarantine", "leaderboard", idsCSV(ids), map[string]interface{}{
		"row_ids": ids,
		"reason":  reason,
		"updated": n,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	ids, _, err := decodeModeration(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	n, err := s.store.RestoreRows(r.Context(), ids)
	if err != nil {
		writeFailure(w, err)
		return
	}

	s.audit(r.Context(), "restore", "leaderboard", idsCSV(ids), map[string]interface{}{
		"row_ids": ids,
		"updated": n,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// decodeModeration reads a {row_ids, reason} body and validates the batch.
func decodeModeration(r *http.Request) ([]int64, string, error) {
	var body struct {
		RowIDs []int64 `json:"row_ids"`
		Reason string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, "", types.NewError(types.KindValidation, "malformed request body")
	}
	if len(body.RowIDs) == 0 {
		return nil, "", types.NewError(types.KindValidation, "row_ids is required")
	}
	if len(body.RowIDs) > maxModerationBatch {
		return nil, "", types.NewError(types.KindValidation,
			"row_ids exceeds the batch limit of %d", maxModerationBatch)
	}
	return body.RowIDs, body.Reason, nil
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	rowID, err := strconv.ParseInt(chi.URLParam(r, "rowID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(types.KindValidation), "row id must be an integer")
		return
	}

	if err := s.store.DeleteRow(r.Context(), rowID); err != nil {
		writeFailure(w, err)
		return
	}

	s.audit(r.Context(), "delete", "leaderboard", strconv.FormatInt(rowID, 10), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.store.ListAudit(r.Context(), intQuery(q.Get("limit"), 50), intQuery(q.Get("offset"), 0))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var spec types.CleanupSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, string(types.KindValidation), "malformed request body")
		return
	}

	receipt, err := s.dispatcher.SubmitCleanup(r.Context(), spec)
	if err != nil {
		writeFailure(w, err)
		return
	}

	s.audit(r.Context(), "cleanup", "maintenance", receipt.TaskID, spec)
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	cache := "ok"
	if err := s.store.Ping(ctx); err != nil {
		cache = "down"
		s.logger.Warn("health: storage ping failed", zap.Error(err))
	}
	qstate := "ok"
	if err := s.queue.Ping(ctx); err != nil {
		qstate = "down"
		s.logger.Warn("health: queue ping failed", zap.Error(err))
	}
	engine := "available"
	if err := s.eval.Ping(ctx); err != nil {
		engine = "unavailable"
		s.logger.Warn("health: evaluator ping failed", zap.Error(err))
	}

	status := "healthy"
	code := http.StatusOK
	if cache != "ok" || qstate != "ok" || engine != "available" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status":    status,
		"cache":     cache,
		"queue":     qstate,
		"evaluator": engine,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tasks, err := s.store.TaskStats(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	cache, err := s.store.LeaderboardStats(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.metrics.QueueDepth.Set(float64(depth))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":          tasks,
		"cache":          cache,
		"queue_depth":    depth,
		"workers":        s.workers,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func floatParam(raw string) (*float64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.New(raw + " is not a number")
	}
	return &f, nil
}

func idsCSV(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
