package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTaxonomyDefaults(t *testing.T) {
	tax := NewTaxonomy(nil)

	assert.True(t, tax.Contains("Science"))
	assert.True(t, tax.Contains("Tech."))
	assert.True(t, tax.Contains("Tech./Coding"), "wildcard accepts fine-grained tags")
	assert.True(t, tax.Contains("Art & Sports/Clothing"))

	assert.False(t, tax.Contains("Robotics"))
	assert.False(t, tax.Contains("Robotics/Coding"))
	assert.False(t, tax.Contains("Tech./"), "bare prefix without a fine tag is invalid")
	assert.False(t, tax.Contains(""))
}

func TestTaxonomyStrictSet(t *testing.T) {
	tax := NewTaxonomy([]string{"Science", "Science/Math"})

	assert.True(t, tax.Contains("Science"))
	assert.True(t, tax.Contains("Science/Math"))
	assert.False(t, tax.Contains("Science/Physics"), "no wildcard means exact membership only")
}

func TestTaxonomyReplace(t *testing.T) {
	tax := NewTaxonomy([]string{"Science"})
	require.True(t, tax.Contains("Science"))

	tax.Replace([]string{"Culture"})
	assert.False(t, tax.Contains("Science"))
	assert.True(t, tax.Contains("Culture"))
	assert.Equal(t, []string{"Culture"}, tax.Entries())
}

func TestLoadTaxonomyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	body := "subject_types:\n  - Science\n  - Science/Math\n  - Tech./*\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	entries, err := LoadTaxonomyFile(path)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	t.Run("empty file rejected", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "empty.yaml")
		require.NoError(t, os.WriteFile(empty, []byte("subject_types: []\n"), 0644))
		_, err := LoadTaxonomyFile(empty)
		assert.Error(t, err)
	})
}

func TestWatchTaxonomyReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subject_types: [Science]\n"), 0644))

	tax := NewTaxonomy([]string{"Science"})
	stop := make(chan struct{})
	done := make(chan struct{})
	require.NoError(t, WatchTaxonomy(path, tax, zap.NewNop(), stop, done))
	defer func() {
		close(stop)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}()

	require.NoError(t, os.WriteFile(path, []byte("subject_types: [Culture]\n"), 0644))

	deadline := time.After(3 * time.Second)
	for !tax.Contains("Culture") {
		select {
		case <-deadline:
			t.Fatal("taxonomy was not reloaded after file change")
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.False(t, tax.Contains("Science"))
}
