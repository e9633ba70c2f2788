package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultSubjectTypes is the built-in subject taxonomy: the six BenchHub
// coarse categories plus a wildcard per category so fine-grained tags like
// "Tech./Coding" validate without enumerating the full catalogue. Deployments
// wanting a strict closed list ship one via taxonomy.file.
var DefaultSubjectTypes = []string{
	"Art & Sports", "Art & Sports/*",
	"Culture", "Culture/*",
	"HASS", "HASS/*",
	"Science", "Science/*",
	"Social Intelligence", "Social Intelligence/*",
	"Tech.", "Tech./*",
}

// Taxonomy is the closed set of subject tags plans may use. Entries ending
// in "/*" accept any tag with that prefix. Replace swaps the whole set
// atomically, which is how the file watcher applies reloads.
type Taxonomy struct {
	mu       sync.RWMutex
	exact    map[string]bool
	prefixes []string
	entries  []string
}

// NewTaxonomy builds a taxonomy from the given entries. Empty input falls
// back to DefaultSubjectTypes.
func NewTaxonomy(entries []string) *Taxonomy {
	t := &Taxonomy{}
	if len(entries) == 0 {
		entries = DefaultSubjectTypes
	}
	t.Replace(entries)
	return t
}

// Replace swaps the taxonomy contents.
func (t *Taxonomy) Replace(entries []string) {
	exact := make(map[string]bool, len(entries))
	var prefixes []string
	kept := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		kept = append(kept, e)
		if strings.HasSuffix(e, "/*") {
			prefixes = append(prefixes, strings.TrimSuffix(e, "*"))
			continue
		}
		exact[e] = true
	}

	t.mu.Lock()
	t.exact = exact
	t.prefixes = prefixes
	t.entries = kept
	t.mu.Unlock()
}

// Contains reports whether the tag is part of the taxonomy.
func (t *Taxonomy) Contains(tag string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.exact[tag] {
		return true
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(tag, p) && len(tag) > len(p) {
			return true
		}
	}
	return false
}

// Entries returns a sorted copy of the raw taxonomy entries.
func (t *Taxonomy) Entries() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := append([]string(nil), t.entries...)
	sort.Strings(out)
	return out
}

// taxonomyFile is the YAML shape of a taxonomy file.
type taxonomyFile struct {
	SubjectTypes []string `yaml:"subject_types"`
}

// LoadTaxonomyFile reads subject tags from a YAML file.
func LoadTaxonomyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy file: %w", err)
	}

	var tf taxonomyFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy file: %w", err)
	}
	if len(tf.SubjectTypes) == 0 {
		return nil, fmt.Errorf("taxonomy file %s lists no subject_types", path)
	}
	return tf.SubjectTypes, nil
}

// WatchTaxonomy reloads the taxonomy when its file changes. It runs until
// stop is closed and signals done on exit. Reload failures keep the previous
// set and log a warning.
func WatchTaxonomy(path string, t *Taxonomy, logger *zap.Logger, stop <-chan struct{}, done chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create taxonomy watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch taxonomy file: %w", err)
	}

	go func() {
		defer close(done)
		defer watcher.Close()

		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				entries, err := LoadTaxonomyFile(path)
				if err != nil {
					logger.Warn("taxonomy reload failed; keeping previous set",
						zap.String("path", path), zap.Error(err))
					continue
				}
				t.Replace(entries)
				logger.Info("taxonomy reloaded",
					zap.String("path", path), zap.Int("entries", len(entries)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("taxonomy watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
