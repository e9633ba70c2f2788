// Package credentials holds model API keys for the short window between
// submission and evaluation. Keys live only in this process: they are never
// written to the store, never ride the queue, and never appear in logs or
// task snapshots. Envelopes are sealed with AES-GCM and expire on a TTL so
// an abandoned task cannot pin secrets in memory forever.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

type envelope struct {
	nonce      []byte
	ciphertext []byte
	expires    time.Time
}

// Vault is the in-memory credential holder. Safe for concurrent use.
type Vault struct {
	mu      sync.Mutex
	entries map[string]envelope

	aead cipher.AEAD
	ttl  time.Duration

	logger *zap.Logger
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewVault builds a vault sealed with the given hex-encoded 256-bit key. An
// empty key selects a random per-process key, which is the right choice for
// single-binary deployments where envelopes never leave the process anyway.
func NewVault(hexKey string, ttl time.Duration, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	var key []byte
	if hexKey == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, types.WrapError(types.KindCredentialsMissing, err, "failed to generate vault key")
		}
	} else {
		var err error
		key, err = hex.DecodeString(hexKey)
		if err != nil {
			return nil, types.WrapError(types.KindValidation, err, "vault key is not valid hex")
		}
		if len(key) != 32 {
			return nil, types.NewError(types.KindValidation, "vault key must be 32 bytes, got %d", len(key))
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "failed to build vault cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, types.WrapError(types.KindValidation, err, "failed to build vault aead")
	}

	v := &Vault{
		entries: make(map[string]envelope),
		aead:    aead,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go v.janitor()
	return v, nil
}

// Put seals the per-model keys under the task id. Re-putting the same task
// id replaces the envelope and restarts its TTL. Empty key sets are sealed
// too: envelope presence is how workers tell "keyless plan" apart from
// "envelope expired".
func (v *Vault) Put(taskID string, keys map[string]string) error {
	if keys == nil {
		keys = map[string]string{}
	}

	plaintext, err := json.Marshal(keys)
	if err != nil {
		return types.WrapError(types.KindValidation, err, "failed to encode credentials")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return types.WrapError(types.KindCredentialsMissing, err, "failed to generate nonce")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[taskID] = envelope{
		nonce:      nonce,
		ciphertext: v.aead.Seal(nil, nonce, plaintext, []byte(taskID)),
		expires:    v.now().Add(v.ttl),
	}
	return nil
}

// Get opens the envelope for a task. Missing, expired, or corrupted
// envelopes all come back as credentials_missing; callers fail the task
// rather than guessing.
func (v *Vault) Get(taskID string) (map[string]string, error) {
	v.mu.Lock()
	env, ok := v.entries[taskID]
	v.mu.Unlock()

	if !ok {
		return nil, types.NewError(types.KindCredentialsMissing, "no credentials for task %s", taskID)
	}
	if v.now().After(env.expires) {
		v.Purge(taskID)
		return nil, types.NewError(types.KindCredentialsMissing, "credentials for task %s expired", taskID)
	}

	plaintext, err := v.aead.Open(nil, env.nonce, env.ciphertext, []byte(taskID))
	if err != nil {
		return nil, types.WrapError(types.KindCredentialsMissing, err, "failed to open envelope for task %s", taskID)
	}

	keys := make(map[string]string)
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, types.WrapError(types.KindCredentialsMissing, err, "failed to decode credentials for task %s", taskID)
	}
	return keys, nil
}

// Purge drops a task's envelope. Workers call this the moment a task goes
// terminal.
func (v *Vault) Purge(taskID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, taskID)
}

// Len reports how many envelopes are held, for the stats endpoint.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Close stops the expiry janitor and drops every envelope.
func (v *Vault) Close() {
	select {
	case <-v.stop:
		return
	default:
	}
	close(v.stop)
	<-v.done

	v.mu.Lock()
	v.entries = make(map[string]envelope)
	v.mu.Unlock()
}

func (v *Vault) janitor() {
	defer close(v.done)

	interval := v.ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			v.reapExpired()
		}
	}
}

func (v *Vault) reapExpired() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for id, env := range v.entries {
		if now.After(env.expires) {
			delete(v.entries, id)
			v.logger.Debug("credential envelope expired", zap.String("task_id", id))
		}
	}
}
