package types

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskKind separates evaluation runs from maintenance work that rides the
// same task machinery.
type TaskKind string

const (
	TaskKindEvaluation TaskKind = "evaluation"
	TaskKindCleanup    TaskKind = "cleanup"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusStarted, StatusSuccess, StatusFailure, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal states are sticky:
// no transition ever leaves them.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

// transitions is the legal state machine. STARTED→PENDING is the forced
// requeue applied when a worker lease expires; PENDING→FAILURE covers
// submissions whose enqueue step fails after the row exists.
var transitions = map[Status][]Status{
	StatusPending: {StatusStarted, StatusFailure, StatusCancelled},
	StatusStarted: {StatusSuccess, StatusFailure, StatusCancelled, StatusPending},
}

// CanTransition reports whether from→to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one unit of tracked work. Revision increases by exactly one on
// every mutation, so clients can order observations without clocks.
type Task struct {
	ID          string   `json:"task_id" db:"task_id"`
	Kind        TaskKind `json:"kind" db:"kind"`
	Fingerprint string   `json:"fingerprint" db:"fingerprint"`
	Status      Status   `json:"status" db:"status"`
	Progress    int      `json:"progress" db:"progress"`
	Revision    int64    `json:"revision" db:"revision"`
	Cached      bool     `json:"cached" db:"cached"`

	PlanSnapshot json.RawMessage `json:"plan,omitempty" db:"plan_snapshot"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorKind    string          `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage string          `json:"error,omitempty" db:"error_message"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Plan decodes the stored (redacted) plan snapshot.
func (t *Task) Plan() (Plan, error) {
	var p Plan
	if len(t.PlanSnapshot) == 0 {
		return p, NewError(KindNotFound, "task %s has no plan snapshot", t.ID)
	}
	if err := json.Unmarshal(t.PlanSnapshot, &p); err != nil {
		return p, WrapError(KindValidation, err, "decode plan snapshot")
	}
	return p, nil
}

// Deadline returns the hard completion bound for a started task, or the zero
// time when the task has not started.
func (t *Task) Deadline(maxDuration time.Duration) time.Time {
	if t.StartedAt == nil {
		return time.Time{}
	}
	return t.StartedAt.Add(maxDuration)
}

// Cleanup resource names.
const (
	CleanupTasks   = "tasks"
	CleanupSamples = "samples"
	CleanupCache   = "cache"
)

// CleanupSpec is the plan snapshot of a cleanup-kind task: which resources
// to sweep, how old a record must be to go, and whether to only count.
type CleanupSpec struct {
	Resources  []string `json:"resources"`
	DaysOld    int      `json:"days_old"`
	Limit      int      `json:"limit,omitempty"`
	DryRun     bool     `json:"dry_run"`
	HardDelete bool     `json:"hard_delete,omitempty"` // cache only: delete instead of quarantine
}

// Normalize applies defaults and rejects unknown resources. A zero DaysOld
// defaults to 30 so a blank request can never sweep live data.
func (c *CleanupSpec) Normalize() error {
	if c.DaysOld == 0 {
		c.DaysOld = 30
	}
	if c.DaysOld < 1 {
		return NewError(KindValidation, "days_old: must be at least 1, got %d", c.DaysOld)
	}
	if c.Limit <= 0 {
		c.Limit = 1000
	}

	if len(c.Resources) == 0 {
		return NewError(KindValidation, "resources: at least one of tasks, samples, cache")
	}
	seen := make(map[string]bool, len(c.Resources))
	cleaned := make([]string, 0, len(c.Resources))
	for _, r := range c.Resources {
		r = strings.ToLower(strings.TrimSpace(r))
		switch r {
		case CleanupTasks, CleanupSamples, CleanupCache:
		default:
			return NewError(KindValidation, "resources: unknown resource %q", r)
		}
		if !seen[r] {
			seen[r] = true
			cleaned = append(cleaned, r)
		}
	}
	c.Resources = cleaned
	return nil
}

// Cutoff converts the age bound to an absolute time.
func (c CleanupSpec) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(c.DaysOld) * 24 * time.Hour)
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status Status
	Kind   TaskKind
	Limit  int
	Offset int
}

// TaskStats is the per-status census surfaced by the stats endpoint.
type TaskStats struct {
	ByStatus       map[Status]int `json:"by_status"`
	Total          int            `json:"total"`
	InFlight       int            `json:"in_flight"`
	MedianDuration float64        `json:"median_duration_seconds"` // over recently completed tasks
}
