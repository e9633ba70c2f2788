// Package seed imports an initial leaderboard from a YAML file. Every
// imported row gets a synthetic completed task behind it, so seeded data is
// indistinguishable in shape from evaluated data: browse, quarantine, and
// cleanup treat it the same way.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"podium/internal/fingerprint"
	"podium/internal/store"
	"podium/internal/types"
)

// DefaultEvaluatorVersion stamps seeded rows when no version is configured.
const DefaultEvaluatorVersion = "seed-import"

// defaultSampleCount backs entries that do not state how many samples their
// score came from.
const defaultSampleCount = 100

// File is the YAML document format.
type File struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Entry is one leaderboard cell.
type Entry struct {
	ModelName   string  `yaml:"model_name"`
	Language    string  `yaml:"language"`
	SubjectType string  `yaml:"subject_type"`
	TaskType    string  `yaml:"task_type"`
	Score       float64 `yaml:"score"`
	SampleCount int64   `yaml:"sample_count"`
}

// Result reports what an import did.
type Result struct {
	Rows    int64 `json:"rows"`
	Tasks   int   `json:"tasks"`
	Skipped bool  `json:"skipped"`
}

// Seeder writes seed files into the store.
type Seeder struct {
	store   *store.Store
	version string
	logger  *zap.Logger
}

// New builds a Seeder stamping rows with the given evaluator version.
func New(st *store.Store, evaluatorVersion string, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if evaluatorVersion == "" {
		evaluatorVersion = DefaultEvaluatorVersion
	}
	return &Seeder{store: st, version: evaluatorVersion, logger: logger}
}

// Load parses and validates a seed file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "cannot read seed file %s", path)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, types.WrapError(types.KindValidation, err, "seed file %s is not valid yaml", path)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if len(f.Entries) == 0 {
		return types.NewError(types.KindValidation, "seed file has no entries")
	}

	for i := range f.Entries {
		e := &f.Entries[i]
		e.ModelName = strings.TrimSpace(e.ModelName)
		e.Language = strings.ToLower(strings.TrimSpace(e.Language))
		e.SubjectType = strings.TrimSpace(e.SubjectType)
		e.TaskType = strings.TrimSpace(e.TaskType)

		switch {
		case e.ModelName == "":
			return types.NewError(types.KindValidation, "entry %d: model_name is required", i)
		case e.Language == "":
			return types.NewError(types.KindValidation, "entry %d: language is required", i)
		case e.SubjectType == "":
			return types.NewError(types.KindValidation, "entry %d: subject_type is required", i)
		case e.Score < 0 || e.Score > 1:
			return types.NewError(types.KindValidation, "entry %d: score %v is outside [0, 1]", i, e.Score)
		}
		switch types.TaskType(e.TaskType) {
		case types.TaskKnowledge, types.TaskReasoning, types.TaskValue, types.TaskAlignment:
		default:
			return types.NewError(types.KindValidation, "entry %d: unknown task_type %q", i, e.TaskType)
		}
		if e.SampleCount <= 0 {
			e.SampleCount = defaultSampleCount
		}
	}
	return nil
}

// Run loads path and applies it. Imports are idempotent at the coarsest
// level: a leaderboard that already has rows is left untouched.
func (s *Seeder) Run(ctx context.Context, path string) (*Result, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, f)
}

// Apply writes the file's entries, grouped into one synthetic task per
// (language, task_type) pair.
func (s *Seeder) Apply(ctx context.Context, f *File) (*Result, error) {
	stats, err := s.store.LeaderboardStats(ctx)
	if err != nil {
		return nil, err
	}
	if stats.Rows > 0 || stats.Quarantined > 0 {
		s.logger.Info("leaderboard already holds rows, skipping seed",
			zap.Int64("rows", stats.Rows))
		return &Result{Skipped: true}, nil
	}

	result := &Result{}
	for _, g := range groupEntries(f.Entries) {
		n, err := s.applyGroup(ctx, g)
		if err != nil {
			return result, err
		}
		result.Rows += n
		result.Tasks++
	}

	s.logger.Info("seed import complete",
		zap.Int64("rows", result.Rows),
		zap.Int("tasks", result.Tasks))
	return result, nil
}

// group is all entries sharing one (language, task_type) pair.
type group struct {
	language string
	taskType string
	entries  []Entry
}

func groupEntries(entries []Entry) []group {
	byKey := make(map[string]*group)
	var order []string
	for _, e := range entries {
		key := e.Language + "\x00" + e.TaskType
		g, ok := byKey[key]
		if !ok {
			g = &group{language: e.Language, taskType: e.TaskType}
			byKey[key] = g
			order = append(order, key)
		}
		g.entries = append(g.entries, e)
	}

	sort.Strings(order)
	groups := make([]group, 0, len(order))
	for _, key := range order {
		groups = append(groups, *byKey[key])
	}
	return groups
}

// applyGroup creates the synthetic backing task and upserts the group's
// rows under its fingerprint.
func (s *Seeder) applyGroup(ctx context.Context, g group) (int64, error) {
	pl := s.syntheticPlan(g)
	fp, err := fingerprint.Compute(pl, nil)
	if err != nil {
		return 0, err
	}
	snapshot, err := pl.MarshalSnapshot()
	if err != nil {
		return 0, err
	}

	t := store.NewTask(types.TaskKindEvaluation, fp, snapshot)
	t.Status = types.StatusSuccess
	t.Result, err = json.Marshal(map[string]interface{}{
		"source":  "seed",
		"entries": len(g.entries),
	})
	if err != nil {
		return 0, err
	}

	created, err := s.store.CreateCompletedTask(ctx, t)
	if err != nil {
		return 0, err
	}

	aggs := make([]store.SampleAggregate, 0, len(g.entries))
	for _, e := range g.entries {
		aggs = append(aggs, store.SampleAggregate{
			ModelName:    e.ModelName,
			SubjectLabel: e.SubjectType,
			Score:        e.Score,
			SampleCount:  e.SampleCount,
		})
	}

	n, err := s.store.UpsertAggregates(ctx, fp, g.language, g.taskType, created.ID, s.version, aggs)
	if err != nil {
		return 0, err
	}

	s.logger.Debug("seeded group",
		zap.String("language", g.language),
		zap.String("task_type", g.taskType),
		zap.String("task_id", created.ID),
		zap.Int64("rows", n))
	return n, nil
}

// syntheticPlan reconstructs a plausible plan for a seed group so the
// backing task carries a real fingerprint and a browsable snapshot.
func (s *Seeder) syntheticPlan(g group) types.Plan {
	models := make([]types.ModelConfig, 0, len(g.entries))
	subjects := make([]string, 0, len(g.entries))
	seenModel := make(map[string]bool)
	seenSubject := make(map[string]bool)
	maxSamples := 0

	for _, e := range g.entries {
		if !seenModel[e.ModelName] {
			seenModel[e.ModelName] = true
			models = append(models, types.ModelConfig{
				Name:     e.ModelName,
				Endpoint: fmt.Sprintf("https://seed.invalid/%s", strings.ToLower(e.ModelName)),
			})
		}
		if !seenSubject[e.SubjectType] {
			seenSubject[e.SubjectType] = true
			subjects = append(subjects, e.SubjectType)
		}
		if int(e.SampleCount) > maxSamples {
			maxSamples = int(e.SampleCount)
		}
	}

	return types.Plan{
		SchemaVersion: types.PlanSchemaVersion,
		Name:          "seed import",
		ProblemType:   types.ProblemMCQA,
		TargetType:    types.TargetGeneral,
		TaskType:      types.TaskType(g.taskType),
		Language:      g.language,
		SubjectTypes:  subjects,
		SampleSize:    maxSamples,
		Models:        models,
	}
}
