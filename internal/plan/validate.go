// Package plan validates and normalizes incoming evaluation plans before
// they reach the dispatcher. Validation never creates tasks: a plan that
// fails here is rejected outright.
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"podium/internal/config"
	"podium/internal/types"
)

// Validator checks plans against the wire schema, the subject taxonomy, and
// the configured limits. It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	taxonomy *config.Taxonomy
	limits   config.LimitsConfig
}

// NewValidator builds a Validator around the given taxonomy and limits.
func NewValidator(taxonomy *config.Taxonomy, limits config.LimitsConfig) *Validator {
	if taxonomy == nil {
		taxonomy = config.NewTaxonomy(nil)
	}
	if limits.MaxSampleSize < 1 {
		limits.MaxSampleSize = 1000
	}
	if limits.MaxModels < 1 {
		limits.MaxModels = types.MaxModelsPerPlan
	}
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		taxonomy: taxonomy,
		limits:   limits,
	}
}

// ValidateAndNormalize normalizes p in place (defaults, trimming, sample
// size clamping) and returns a validation error listing every problem
// found. The returned error, if any, carries types.KindValidation.
func (v *Validator) ValidateAndNormalize(p *types.Plan) error {
	if p == nil {
		return types.NewError(types.KindValidation, "plan is required")
	}

	v.normalize(p)

	var problems []string

	if p.SchemaVersion != types.PlanSchemaVersion {
		problems = append(problems,
			fmt.Sprintf("schema_version: got %d, this build speaks %d", p.SchemaVersion, types.PlanSchemaVersion))
	}

	if err := v.validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok {
			for _, fe := range fieldErrs {
				problems = append(problems, describeFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	for _, tag := range p.SubjectTypes {
		if !v.taxonomy.Contains(tag) {
			problems = append(problems, fmt.Sprintf("subject_type: %q is not in the taxonomy", tag))
		}
	}

	if len(p.Models) > v.limits.MaxModels {
		problems = append(problems,
			fmt.Sprintf("models: at most %d models per plan, got %d", v.limits.MaxModels, len(p.Models)))
	}
	seen := make(map[string]bool, len(p.Models))
	for _, m := range p.Models {
		if seen[m.Name] {
			problems = append(problems, fmt.Sprintf("models: duplicate model name %q", m.Name))
		}
		seen[m.Name] = true
	}

	if p.Directives.BatchSize < 0 {
		problems = append(problems, "directives.batch_size: must not be negative")
	}
	if p.Directives.CallTimeout != "" {
		if d, err := time.ParseDuration(p.Directives.CallTimeout); err != nil || d <= 0 {
			problems = append(problems,
				fmt.Sprintf("directives.call_timeout: invalid duration %q", p.Directives.CallTimeout))
		}
	}

	if len(problems) > 0 {
		return types.NewError(types.KindValidation, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// normalize applies defaults and canonical trimming. Sample sizes above the
// configured maximum are clamped rather than rejected.
func (v *Validator) normalize(p *types.Plan) {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	p.Language = strings.TrimSpace(p.Language)

	if p.SchemaVersion == 0 {
		p.SchemaVersion = types.PlanSchemaVersion
	}
	if p.SampleSize == 0 {
		p.SampleSize = types.DefaultSampleSize
	}
	if p.SampleSize > v.limits.MaxSampleSize {
		p.SampleSize = v.limits.MaxSampleSize
	}

	subjects := make([]string, 0, len(p.SubjectTypes))
	seen := make(map[string]bool, len(p.SubjectTypes))
	for _, s := range p.SubjectTypes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		subjects = append(subjects, s)
	}
	p.SubjectTypes = subjects

	for i := range p.Models {
		p.Models[i].Name = strings.TrimSpace(p.Models[i].Name)
		p.Models[i].Provider = strings.TrimSpace(p.Models[i].Provider)
		p.Models[i].Endpoint = strings.TrimRight(strings.TrimSpace(p.Models[i].Endpoint), "/")
	}

	if p.Directives.ScoringMethod == "" {
		p.Directives.ScoringMethod = types.DefaultScoringMethod
	}
	if p.Directives.BatchSize == 0 {
		p.Directives.BatchSize = types.DefaultBatchSize
	}
}

// describeFieldError renders a validator error in wire-field terms.
func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Plan.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: required", field)
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s: below minimum %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s: above maximum %s", field, fe.Param())
	case "http_url":
		return fmt.Sprintf("%s: must be an http(s) URL", field)
	}
	return fmt.Sprintf("%s: failed %s", field, fe.Tag())
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
