package credentials

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"podium/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault("", time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	v := newTestVault(t)

	keys := map[string]string{
		"solar-pro": "sk-live-abc123",
		"gpt-x":     "sk-live-def456",
	}
	require.NoError(t, v.Put("task-1", keys))
	assert.Equal(t, 1, v.Len())

	got, err := v.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, keys, got)

	// Envelopes survive repeated reads until purged.
	_, err = v.Get("task-1")
	require.NoError(t, err)

	v.Purge("task-1")
	_, err = v.Get("task-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCredentialsMissing))
	assert.Zero(t, v.Len())
}

func TestVaultMissingTask(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Get("never-stored")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCredentialsMissing))
}

func TestVaultSealsEmptyEnvelopes(t *testing.T) {
	v := newTestVault(t)

	// A keyless plan still gets an envelope, so a later Get can tell
	// "nothing to hydrate" apart from "envelope expired".
	require.NoError(t, v.Put("task-1", nil))
	assert.Equal(t, 1, v.Len())

	keys, err := v.Get("task-1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestVaultTTLExpiry(t *testing.T) {
	v, err := NewVault("", 10*time.Minute, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(v.Close)

	base := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return base }
	require.NoError(t, v.Put("task-1", map[string]string{"m": "sk-1"}))

	v.now = func() time.Time { return base.Add(9 * time.Minute) }
	_, err = v.Get("task-1")
	require.NoError(t, err, "envelope is fresh inside the TTL")

	v.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = v.Get("task-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCredentialsMissing))
	assert.Zero(t, v.Len(), "expired envelope is dropped on read")
}

func TestVaultReplaceRestartsTTL(t *testing.T) {
	v, err := NewVault("", 10*time.Minute, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(v.Close)

	base := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return base }
	require.NoError(t, v.Put("task-1", map[string]string{"m": "sk-old"}))

	v.now = func() time.Time { return base.Add(9 * time.Minute) }
	require.NoError(t, v.Put("task-1", map[string]string{"m": "sk-new"}))

	v.now = func() time.Time { return base.Add(15 * time.Minute) }
	got, err := v.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-new", got["m"])
}

func TestVaultKeyValidation(t *testing.T) {
	t.Run("fixed key round trips", func(t *testing.T) {
		hexKey := strings.Repeat("ab", 32)
		v, err := NewVault(hexKey, time.Hour, zap.NewNop())
		require.NoError(t, err)
		defer v.Close()

		require.NoError(t, v.Put("task-1", map[string]string{"m": "sk-1"}))
		got, err := v.Get("task-1")
		require.NoError(t, err)
		assert.Equal(t, "sk-1", got["m"])
	})

	t.Run("rejects non-hex", func(t *testing.T) {
		_, err := NewVault("zz", time.Hour, zap.NewNop())
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	t.Run("rejects short keys", func(t *testing.T) {
		_, err := NewVault("abcd", time.Hour, zap.NewNop())
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})
}

func TestVaultEnvelopesAreTaskBound(t *testing.T) {
	v := newTestVault(t)

	require.NoError(t, v.Put("task-1", map[string]string{"m": "sk-1"}))

	// Grafting task-1's envelope onto another id must not decrypt: the id
	// is bound into the seal.
	v.mu.Lock()
	env := v.entries["task-1"]
	v.entries["task-2"] = env
	v.mu.Unlock()

	_, err := v.Get("task-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCredentialsMissing))
}

func TestVaultConcurrentAccess(t *testing.T) {
	v := newTestVault(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "task-" + string(rune('a'+n))
			assert.NoError(t, v.Put(id, map[string]string{"m": "sk"}))
			_, err := v.Get(id)
			assert.NoError(t, err)
			v.Purge(id)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, v.Len())
}
