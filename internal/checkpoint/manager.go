// Package checkpoint persists one CursorState per target key, atomically
// and with single-writer exclusion. File locking uses github.com/gofrs/flock
// rather than a raw syscall.Flock wrapper, for a cross-platform
// non-blocking TryLock.
package checkpoint

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

// SchemaVersion is the on-disk checkpoint schema version.
const SchemaVersion = "1"

// ErrLockContention is returned by AcquireLock when another process holds
// the lock for key.
var ErrLockContention = errors.New("lock contention")

// Manager owns a directory of per-target checkpoint files.
type Manager struct {
	dir         string
	optionsHash string
	log         *zap.Logger
}

// New creates a Manager rooted at dir, creating it if necessary.
func New(dir, optionsHash string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Manager{dir: dir, optionsHash: optionsHash, log: log}, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Key hashes a logical target key into the 16-hex filename stem used on
// disk.
func Key(targetKey string) string {
	sum := sha1.Sum([]byte(targetKey)) //nolint:gosec // fixed-length identifier, not a security use
	return hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) paths(key string) (jsonPath, lockPath string) {
	base := filepath.Join(m.dir, key)
	return base + ".json", base + ".lock"
}

// Lock is a held, scoped exclusive lock on key's sidecar file. Release
// must be called on every exit path, including panics; callers should
// `defer l.Release()` immediately after a successful AcquireLock.
type Lock struct {
	fl *flock.Flock
}

func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// AcquireLock attempts a non-blocking exclusive lock on key. It never
// blocks: on contention it returns ErrLockContention immediately
// (wrapped as a weiboerr.KindCheckpoint error).
func (m *Manager) AcquireLock(key string) (*Lock, error) {
	_, lockPath := m.paths(key)
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, weiboerr.Wrap(weiboerr.KindCheckpoint, err, "acquire lock: "+key)
	}
	if !locked {
		return nil, weiboerr.Wrap(weiboerr.KindCheckpoint, ErrLockContention, "acquire lock: "+key)
	}
	return &Lock{fl: fl}, nil
}

type onDisk struct {
	Version     string   `json:"version"`
	Page        int      `json:"page"`
	Cursor      *string  `json:"cursor"`
	SeenMids    []string `json:"seen_mids"`
	OptionsHash string   `json:"options_hash"`
	Timestamp   string   `json:"timestamp"`
}

// Load returns the stored CursorState for key, or nil if absent. It never
// returns an error: an absent file, malformed JSON, a schema version
// mismatch, or an options-hash mismatch all mean "no checkpoint". A
// corrupt file is logged at warning level.
func (m *Manager) Load(key string) *model.CursorState {
	jsonPath, _ := m.paths(key)
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil
	}

	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		m.log.Warn("corrupt checkpoint", zap.String("key", key), zap.Error(err))
		return nil
	}
	if d.Version != SchemaVersion || d.OptionsHash != m.optionsHash {
		return nil
	}
	return &model.CursorState{
		Page:        d.Page,
		Cursor:      d.Cursor,
		SeenMids:    d.SeenMids,
		OptionsHash: d.OptionsHash,
		Timestamp:   d.Timestamp,
	}
}

// Save atomically persists state under key: write to a temp file in the
// same directory, fsync, rename over the destination. On failure the
// destination is left unchanged and the temp file is removed.
func (m *Manager) Save(key string, state model.CursorState) error {
	jsonPath, _ := m.paths(key)

	d := onDisk{
		Version:     SchemaVersion,
		Page:        state.Page,
		Cursor:      state.Cursor,
		SeenMids:    state.SeenMids,
		OptionsHash: state.OptionsHash,
		Timestamp:   state.Timestamp,
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, "ckpt-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, jsonPath); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// Clear removes key's checkpoint file, if any.
func (m *Manager) Clear(key string) error {
	jsonPath, _ := m.paths(key)
	if err := os.Remove(jsonPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}
