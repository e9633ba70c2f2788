package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podium/internal/config"
	"podium/internal/types"
)

func newTestValidator() *Validator {
	return NewValidator(config.NewTaxonomy(nil), config.LimitsConfig{MaxSampleSize: 1000, MaxModels: 10})
}

func validPlan() types.Plan {
	return types.Plan{
		SchemaVersion: types.PlanSchemaVersion,
		Name:          "korean science probe",
		ProblemType:   types.ProblemMCQA,
		TargetType:    types.TargetGeneral,
		TaskType:      types.TaskKnowledge,
		Language:      "Korean",
		SubjectTypes:  []string{"Science", "Tech./Coding"},
		SampleSize:    100,
		Models: []types.ModelConfig{
			{Name: "gpt-4o", Provider: "openai", Endpoint: "https://api.openai.com/v1", APIKey: "sk-test"},
		},
	}
}

func TestValidPlanPasses(t *testing.T) {
	v := newTestValidator()
	p := validPlan()
	require.NoError(t, v.ValidateAndNormalize(&p))
}

func TestNormalizationDefaults(t *testing.T) {
	v := newTestValidator()
	p := validPlan()
	p.SchemaVersion = 0
	p.SampleSize = 0
	p.Language = "  Korean  "
	p.Directives = types.EvalDirectives{}
	p.SubjectTypes = []string{" Science ", "Science", ""}

	require.NoError(t, v.ValidateAndNormalize(&p))

	assert.Equal(t, types.PlanSchemaVersion, p.SchemaVersion)
	assert.Equal(t, types.DefaultSampleSize, p.SampleSize)
	assert.Equal(t, "Korean", p.Language)
	assert.Equal(t, types.DefaultScoringMethod, p.Directives.ScoringMethod)
	assert.Equal(t, types.DefaultBatchSize, p.Directives.BatchSize)
	assert.Equal(t, []string{"Science"}, p.SubjectTypes, "subjects trimmed and deduped")
}

func TestSampleSizeClamped(t *testing.T) {
	v := NewValidator(config.NewTaxonomy(nil), config.LimitsConfig{MaxSampleSize: 500, MaxModels: 10})
	p := validPlan()
	p.SampleSize = 50000

	require.NoError(t, v.ValidateAndNormalize(&p))
	assert.Equal(t, 500, p.SampleSize)
}

func TestRejections(t *testing.T) {
	cases := map[string]struct {
		mutate  func(*types.Plan)
		wantMsg string
	}{
		"missing language": {
			mutate:  func(p *types.Plan) { p.Language = "   " },
			wantMsg: "Language",
		},
		"bad problem type": {
			mutate:  func(p *types.Plan) { p.ProblemType = "Essay" },
			wantMsg: "must be one of",
		},
		"bad target type": {
			mutate:  func(p *types.Plan) { p.TargetType = "Regional" },
			wantMsg: "must be one of",
		},
		"bad task type": {
			mutate:  func(p *types.Plan) { p.TaskType = "Trivia" },
			wantMsg: "must be one of",
		},
		"empty subjects": {
			mutate:  func(p *types.Plan) { p.SubjectTypes = nil },
			wantMsg: "SubjectTypes",
		},
		"unknown subject": {
			mutate:  func(p *types.Plan) { p.SubjectTypes = []string{"Robotics"} },
			wantMsg: "not in the taxonomy",
		},
		"no models": {
			mutate:  func(p *types.Plan) { p.Models = nil },
			wantMsg: "Models",
		},
		"model missing endpoint": {
			mutate:  func(p *types.Plan) { p.Models[0].Endpoint = "" },
			wantMsg: "Endpoint",
		},
		"model endpoint not http": {
			mutate:  func(p *types.Plan) { p.Models[0].Endpoint = "ftp://files.example.com" },
			wantMsg: "http(s)",
		},
		"duplicate model names": {
			mutate: func(p *types.Plan) {
				p.Models = append(p.Models, p.Models[0])
			},
			wantMsg: "duplicate model name",
		},
		"negative sample size": {
			mutate:  func(p *types.Plan) { p.SampleSize = -1 },
			wantMsg: "SampleSize",
		},
		"future schema version": {
			mutate:  func(p *types.Plan) { p.SchemaVersion = 99 },
			wantMsg: "schema_version",
		},
		"bad call timeout": {
			mutate:  func(p *types.Plan) { p.Directives.CallTimeout = "soon" },
			wantMsg: "call_timeout",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v := newTestValidator()
			p := validPlan()
			tc.mutate(&p)

			err := v.ValidateAndNormalize(&p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrValidation), "kind must be validation_error, got %v", err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestTooManyModels(t *testing.T) {
	v := NewValidator(config.NewTaxonomy(nil), config.LimitsConfig{MaxSampleSize: 1000, MaxModels: 2})
	p := validPlan()
	p.Models = []types.ModelConfig{
		{Name: "a", Endpoint: "https://a.test"},
		{Name: "b", Endpoint: "https://b.test"},
		{Name: "c", Endpoint: "https://c.test"},
	}

	err := v.ValidateAndNormalize(&p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most 2 models")
}

func TestProblemsAggregated(t *testing.T) {
	v := newTestValidator()
	p := validPlan()
	p.Language = ""
	p.SubjectTypes = []string{"Robotics"}
	p.Models = nil

	err := v.ValidateAndNormalize(&p)
	require.Error(t, err)
	// All three problems reported in one pass.
	assert.GreaterOrEqual(t, strings.Count(err.Error(), ";"), 2, "expected aggregated problems: %v", err)
}

func TestStrictTaxonomy(t *testing.T) {
	tax := config.NewTaxonomy([]string{"Science", "Science/Math"})
	v := NewValidator(tax, config.LimitsConfig{MaxSampleSize: 1000, MaxModels: 10})

	p := validPlan()
	p.SubjectTypes = []string{"Science/Math"}
	require.NoError(t, v.ValidateAndNormalize(&p))

	p = validPlan()
	p.SubjectTypes = []string{"Science/Physics"}
	assert.Error(t, v.ValidateAndNormalize(&p))
}
