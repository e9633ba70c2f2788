// Package types holds the domain model shared across podium packages:
// evaluation plans, tasks, samples, leaderboard rows, and the error
// taxonomy. This package exists to break import cycles between the
// dispatcher, worker, and storage layers, so types here stay foundational
// with no heavy dependencies.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// PlanSchemaVersion is the current wire version of Plan. Older payloads are
// rejected at validation time; the version participates in fingerprinting so
// schema changes never collide with cached results.
const PlanSchemaVersion = 2

// ProblemType classifies the answer format an evaluation expects.
type ProblemType string

const (
	ProblemBinary    ProblemType = "Binary"
	ProblemMCQA      ProblemType = "MCQA"
	ProblemShortForm ProblemType = "short-form"
	ProblemOpenEnded ProblemType = "open-ended"
)

// TargetType distinguishes general-purpose from locale-specific evaluations.
type TargetType string

const (
	TargetGeneral TargetType = "General"
	TargetLocal   TargetType = "Local"
)

// TaskType names the capability axis an evaluation measures.
type TaskType string

const (
	TaskKnowledge TaskType = "Knowledge"
	TaskReasoning TaskType = "Reasoning"
	TaskValue     TaskType = "Value"
	TaskAlignment TaskType = "Alignment"
)

// ModelConfig identifies one model under evaluation. APIKey is a credential
// handle: it never survives into snapshots, fingerprints, or logs.
type ModelConfig struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"` // openai, anthropic, vllm, ...
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required,http_url"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// EvalDirectives tunes how the evaluator executes a plan.
type EvalDirectives struct {
	ScoringMethod string `json:"scoring_method,omitempty" yaml:"scoring_method,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"` // duration string, e.g. "30s"
	BatchSize     int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

// Directive and plan defaults applied during normalization.
const (
	DefaultScoringMethod = "exact_match"
	DefaultCallTimeout   = 30 * time.Second
	DefaultBatchSize     = 8
	DefaultSampleSize    = 100
	MaxModelsPerPlan     = 10
)

// CallTimeoutOrDefault parses the per-call timeout, falling back to the
// default on empty or malformed input.
func (d EvalDirectives) CallTimeoutOrDefault() time.Duration {
	t, err := time.ParseDuration(d.CallTimeout)
	if err != nil || t <= 0 {
		return DefaultCallTimeout
	}
	return t
}

// Plan is a fully-resolved evaluation request. Name and Description are
// presentation only; they never influence identity or results.
type Plan struct {
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`

	ProblemType   ProblemType `json:"problem_type" yaml:"problem_type" validate:"required,oneof=Binary MCQA short-form open-ended"`
	TargetType    TargetType  `json:"target_type" yaml:"target_type" validate:"required,oneof=General Local"`
	TaskType      TaskType    `json:"task_type" yaml:"task_type" validate:"required,oneof=Knowledge Reasoning Value Alignment"`
	ExternalTools bool        `json:"external_tool_usage" yaml:"external_tool_usage"`
	Language      string      `json:"language" yaml:"language" validate:"required"`
	SubjectTypes  []string    `json:"subject_type" yaml:"subject_type" validate:"required,min=1,dive,required"`
	SampleSize    int         `json:"sample_size" yaml:"sample_size" validate:"min=1"`
	Seed          *int64      `json:"seed,omitempty" yaml:"seed,omitempty"`

	Models     []ModelConfig  `json:"models" yaml:"models" validate:"required,min=1,dive"`
	Directives EvalDirectives `json:"directives" yaml:"directives"`
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := p
	out.SubjectTypes = append([]string(nil), p.SubjectTypes...)
	out.Models = append([]ModelConfig(nil), p.Models...)
	if p.Seed != nil {
		seed := *p.Seed
		out.Seed = &seed
	}
	return out
}

// Redacted returns a copy safe for persistence and logging: credential
// handles are blanked, everything else is untouched.
func (p Plan) Redacted() Plan {
	out := p.Clone()
	for i := range out.Models {
		out.Models[i].APIKey = ""
	}
	return out
}

// ModelNames returns the model names in request order.
func (p Plan) ModelNames() []string {
	names := make([]string, len(p.Models))
	for i, m := range p.Models {
		names[i] = m.Name
	}
	return names
}

// WithModels returns a copy of the plan restricted to the named models,
// preserving request order. Used when part of a plan is served from cache.
func (p Plan) WithModels(keep map[string]bool) Plan {
	out := p.Clone()
	models := make([]ModelConfig, 0, len(out.Models))
	for _, m := range out.Models {
		if keep[m.Name] {
			models = append(models, m)
		}
	}
	out.Models = models
	return out
}

// MarshalSnapshot serializes the redacted plan for storage.
func (p Plan) MarshalSnapshot() (json.RawMessage, error) {
	return json.Marshal(p.Redacted())
}

// NormalizedLanguage is the canonical spelling used in fingerprints and
// aggregate rows: trimmed and lowercased.
func (p Plan) NormalizedLanguage() string {
	return strings.ToLower(strings.TrimSpace(p.Language))
}
