package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanClone(t *testing.T) {
	seed := int64(42)
	p := Plan{
		SubjectTypes: []string{"Science", "Culture"},
		Seed:         &seed,
		Models:       []ModelConfig{{Name: "a"}, {Name: "b"}},
	}

	c := p.Clone()
	c.SubjectTypes[0] = "mutated"
	c.Models[0].Name = "mutated"
	*c.Seed = 7

	assert.Equal(t, "Science", p.SubjectTypes[0])
	assert.Equal(t, "a", p.Models[0].Name)
	assert.Equal(t, int64(42), *p.Seed)
}

func TestPlanWithModels(t *testing.T) {
	p := Plan{Models: []ModelConfig{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	reduced := p.WithModels(map[string]bool{"a": true, "c": true})

	require.Len(t, reduced.Models, 2)
	assert.Equal(t, []string{"a", "c"}, reduced.ModelNames())
	// Original untouched.
	assert.Len(t, p.Models, 3)
}

func TestNormalizedLanguage(t *testing.T) {
	p := Plan{Language: "  Korean "}
	assert.Equal(t, "korean", p.NormalizedLanguage())
}

func TestCallTimeoutOrDefault(t *testing.T) {
	assert.Equal(t, DefaultCallTimeout, EvalDirectives{}.CallTimeoutOrDefault())
	assert.Equal(t, DefaultCallTimeout, EvalDirectives{CallTimeout: "bogus"}.CallTimeoutOrDefault())
	assert.Equal(t, DefaultCallTimeout, EvalDirectives{CallTimeout: "-5s"}.CallTimeoutOrDefault())
	assert.Equal(t, 90*time.Second, EvalDirectives{CallTimeout: "90s"}.CallTimeoutOrDefault())
}
