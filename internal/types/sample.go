package types

import (
	"encoding/json"
	"time"
)

// Sample is one per-item evaluation outcome. The (TaskID, ModelName,
// SampleIndex) triple is write-once: replays of the same work are dropped
// silently so retried tasks never double-count.
type Sample struct {
	TaskID      string `json:"task_id" db:"task_id"`
	Fingerprint string `json:"fingerprint,omitempty" db:"fingerprint"`
	ModelName   string `json:"model_name" db:"model_name"`
	SampleIndex int    `json:"sample_index" db:"sample_index"`

	Prompt      string  `json:"prompt" db:"prompt"`
	Answer      string  `json:"answer" db:"answer"`
	Correctness float64 `json:"correctness" db:"correctness"` // in [0,1]

	SkillLabel   string `json:"skill_label,omitempty" db:"skill_label"`
	TargetLabel  string `json:"target_label,omitempty" db:"target_label"`
	SubjectLabel string `json:"subject_label,omitempty" db:"subject_label"`
	TaskLabel    string `json:"task_label,omitempty" db:"task_label"`
	DatasetName  string `json:"dataset_name,omitempty" db:"dataset_name"`

	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// AggregateRow is one leaderboard cell: a model's mean correctness for one
// (fingerprint, language, subject, task type) slice. Quarantined rows stay
// stored but are invisible to cache lookups and public reads.
type AggregateRow struct {
	RowID            int64     `json:"row_id" db:"row_id"`
	Fingerprint      string    `json:"fingerprint" db:"fingerprint"`
	ModelName        string    `json:"model_name" db:"model_name"`
	Language         string    `json:"language" db:"language"`
	SubjectType      string    `json:"subject_type" db:"subject_type"`
	TaskType         string    `json:"task_type" db:"task_type"`
	Score            float64   `json:"score" db:"score"`
	SampleCount      int       `json:"sample_count" db:"sample_count"`
	EvaluatorVersion string    `json:"evaluator_version" db:"evaluator_version"`
	SourceTaskID     string    `json:"source_task_id" db:"source_task_id"`
	Quarantined      bool      `json:"quarantined" db:"quarantined"`
	QuarantineReason string    `json:"quarantine_reason,omitempty" db:"quarantine_reason"`
	LastUpdated      time.Time `json:"last_updated" db:"last_updated"`
}

// BrowseFilter narrows leaderboard reads. Zero values mean "no constraint".
type BrowseFilter struct {
	Language           string
	SubjectType        string
	TaskType           string
	ModelName          string // substring match
	ScoreMin           *float64
	ScoreMax           *float64
	UpdatedAfter       *time.Time
	IncludeQuarantined bool
	Limit              int
	Offset             int
}

// Categories enumerates the distinct values present in the leaderboard,
// used by clients to build filter pickers.
type Categories struct {
	Languages    []string `json:"languages"`
	SubjectTypes []string `json:"subject_types"`
	TaskTypes    []string `json:"task_types"`
}

// AuditEntry records one admin mutation for later review.
type AuditEntry struct {
	ID         int64           `json:"id" db:"id"`
	Action     string          `json:"action" db:"action"`
	Resource   string          `json:"resource" db:"resource"`
	ResourceID string          `json:"resource_id" db:"resource_id"`
	Detail     json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
