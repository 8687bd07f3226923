package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxyfer/weiboloader/internal/model"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), "hash-1", nil)
	require.NoError(t, err)
	return m
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	m := newManager(t)
	assert.Nil(t, m.Load(Key("u:someone")))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newManager(t)
	key := Key("u:someone")
	cursor := "page2cursor"
	state := model.CursorState{
		Page:        2,
		Cursor:      &cursor,
		SeenMids:    []string{"a", "b", "c"},
		OptionsHash: "hash-1",
		Timestamp:   "2026-07-31T00:00:00Z",
	}

	require.NoError(t, m.Save(key, state))

	got := m.Load(key)
	require.NotNil(t, got)
	assert.Equal(t, state.Page, got.Page)
	assert.Equal(t, *state.Cursor, *got.Cursor)
	assert.Equal(t, state.SeenMids, got.SeenMids)
}

func TestLoadRejectsOptionsHashMismatch(t *testing.T) {
	m := newManager(t)
	key := Key("u:someone")
	require.NoError(t, m.Save(key, model.CursorState{Page: 1, OptionsHash: "hash-1"}))

	other, err := New(m.Dir(), "hash-2", nil)
	require.NoError(t, err)
	assert.Nil(t, other.Load(key))
}

func TestLoadRejectsCorruptJSON(t *testing.T) {
	m := newManager(t)
	key := Key("u:someone")
	jsonPath := filepath.Join(m.Dir(), key+".json")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{not json"), 0o644))

	assert.Nil(t, m.Load(key))
}

func TestSaveLeavesNoTempResidue(t *testing.T) {
	m := newManager(t)
	key := Key("u:someone")
	require.NoError(t, m.Save(key, model.CursorState{Page: 1, OptionsHash: "hash-1"}))

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	m := newManager(t)
	key := Key("u:someone")

	lock, err := m.AcquireLock(key)
	require.NoError(t, err)
	defer lock.Release()

	_, err = m.AcquireLock(key)
	assert.ErrorIs(t, err, ErrLockContention)
}

func TestAcquireLockReleasedAllowsReacquire(t *testing.T) {
	m := newManager(t)
	key := Key("u:someone")

	lock, err := m.AcquireLock(key)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	lock2, err := m.AcquireLock(key)
	require.NoError(t, err)
	assert.NoError(t, lock2.Release())
}

func TestClearRemovesCheckpoint(t *testing.T) {
	m := newManager(t)
	key := Key("u:someone")
	require.NoError(t, m.Save(key, model.CursorState{Page: 1, OptionsHash: "hash-1"}))
	require.NotNil(t, m.Load(key))

	require.NoError(t, m.Clear(key))
	assert.Nil(t, m.Load(key))

	// Clearing an already-absent checkpoint is not an error.
	assert.NoError(t, m.Clear(key))
}
