// Package fingerprint derives the cache identity of an evaluation plan.
//
// Two plans that differ only in presentation (name, description), credential
// handles, model order, subject order, language casing, or sample sizes that
// land in the same bucket produce the same fingerprint. The digest is a
// sha256 over a canonical JSON form, hex encoded (64 chars).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"podium/internal/types"
)

// DefaultBuckets is the standard sample-size ladder. A requested size maps
// to the smallest rung that covers it; sizes above the top rung keep their
// exact value.
var DefaultBuckets = []int{10, 25, 50, 100, 250, 500, 1000}

// canonicalModel is a model stripped to its identity-bearing fields.
type canonicalModel struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
}

// canonicalPlan is the exact structure that gets hashed. Field order is
// fixed by the struct; changing it is a cache-breaking event, which is why
// SchemaVersion is part of the payload.
type canonicalPlan struct {
	SchemaVersion int              `json:"schema_version"`
	ScoringMethod string           `json:"scoring_method"`
	ProblemType   string           `json:"problem_type"`
	TargetType    string           `json:"target_type"`
	TaskType      string           `json:"task_type"`
	ExternalTools bool             `json:"external_tool_usage"`
	Language      string           `json:"language"`
	SubjectTypes  []string         `json:"subject_type"`
	SampleBucket  int              `json:"sample_bucket"`
	Seed          *int64           `json:"seed"`
	Models        []canonicalModel `json:"models"`
}

// Bucket maps a sample size onto the ladder: the smallest rung >= n, or n
// itself above the top rung. Non-positive sizes map to the lowest rung.
func Bucket(n int, ladder []int) int {
	if len(ladder) == 0 {
		ladder = DefaultBuckets
	}
	if n <= 0 {
		return ladder[0]
	}
	for _, rung := range ladder {
		if n <= rung {
			return rung
		}
	}
	return n
}

// Compute returns the plan's fingerprint under the given bucket ladder.
func Compute(p types.Plan, ladder []int) (string, error) {
	cp := canonicalize(p, ladder)
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize builds the hashable form: volatile fields dropped, strings
// normalized, collections sorted, sample size bucketed.
func canonicalize(p types.Plan, ladder []int) canonicalPlan {
	method := strings.ToLower(strings.TrimSpace(p.Directives.ScoringMethod))
	if method == "" {
		method = types.DefaultScoringMethod
	}

	subjects := make([]string, 0, len(p.SubjectTypes))
	for _, s := range p.SubjectTypes {
		s = strings.TrimSpace(s)
		if s != "" {
			subjects = append(subjects, s)
		}
	}
	sort.Strings(subjects)

	models := make([]canonicalModel, 0, len(p.Models))
	for _, m := range p.Models {
		models = append(models, canonicalModel{
			Name:     strings.ToLower(strings.TrimSpace(m.Name)),
			Provider: strings.ToLower(strings.TrimSpace(m.Provider)),
			Endpoint: strings.ToLower(strings.TrimRight(strings.TrimSpace(m.Endpoint), "/")),
		})
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Name != models[j].Name {
			return models[i].Name < models[j].Name
		}
		return models[i].Endpoint < models[j].Endpoint
	})

	version := p.SchemaVersion
	if version == 0 {
		version = types.PlanSchemaVersion
	}

	return canonicalPlan{
		SchemaVersion: version,
		ScoringMethod: method,
		ProblemType:   string(p.ProblemType),
		TargetType:    string(p.TargetType),
		TaskType:      string(p.TaskType),
		ExternalTools: p.ExternalTools,
		Language:      p.NormalizedLanguage(),
		SubjectTypes:  subjects,
		SampleBucket:  Bucket(p.SampleSize, ladder),
		Seed:          p.Seed,
		Models:        models,
	}
}
