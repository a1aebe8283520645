package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huntsync/internal/domain"
	"huntsync/internal/errors"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})), opts...)
	require.NoError(t, err)
	return s
}

func strptr(s string) *string { return &s }

func TestLoadNeverSynced(t *testing.T) {
	s := newTestStore(t)

	states, err := s.Load([]domain.Category{{ID: "singles", Label: "Singles"}})
	require.NoError(t, err)

	st := states["singles"]
	assert.Equal(t, "singles", st.CategoryID)
	assert.Nil(t, st.LastSeenRecordID)
	assert.Equal(t, "", st.Marker())
	assert.Zero(t, st.TotalRecordsSynced)
	assert.False(t, st.CreatedAt.IsZero())
}

func TestCommitAndReload(t *testing.T) {
	s := newTestStore(t)

	outcome := domain.RunOutcome{
		RunID:          "run-1",
		Timestamp:      time.Now(),
		RecordsFetched: 5,
		Success:        true,
	}
	require.NoError(t, s.Commit("singles", strptr("m_105"), outcome))

	st, err := s.Get("singles")
	require.NoError(t, err)
	assert.Equal(t, "m_105", st.Marker())
	assert.Equal(t, 5, st.TotalRecordsSynced)
	assert.False(t, st.LastSyncAt.IsZero())
	require.Len(t, st.RunHistory, 1)
	assert.Equal(t, "run-1", st.RunHistory[0].RunID)
}

func TestCommitNilMarkerKeepsCurrent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Commit("singles", strptr("m_100"), domain.RunOutcome{RunID: "a", Success: true, RecordsFetched: 2}))
	require.NoError(t, s.Commit("singles", nil, domain.RunOutcome{RunID: "b", Success: false, Error: "listing unavailable"}))

	st, err := s.Get("singles")
	require.NoError(t, err)
	assert.Equal(t, "m_100", st.Marker())
	assert.Equal(t, 2, st.TotalRecordsSynced, "failed run must not bump totals")
	require.Len(t, st.RunHistory, 2)
	assert.False(t, st.RunHistory[1].Success)
}

func TestHistoryCapDropsOldest(t *testing.T) {
	s := newTestStore(t, WithHistoryCap(3))

	for i := 0; i < 5; i++ {
		outcome := domain.RunOutcome{RunID: string(rune('a' + i)), Success: true}
		require.NoError(t, s.Commit("singles", nil, outcome))
	}

	st, err := s.Get("singles")
	require.NoError(t, err)
	require.Len(t, st.RunHistory, 3)
	assert.Equal(t, "c", st.RunHistory[0].RunID)
	assert.Equal(t, "e", st.RunHistory[2].RunID)
}

func TestCorruptDocumentSurfaces(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Commit("singles", strptr("m_1"), domain.RunOutcome{Success: true}))

	// Truncate the document mid-json.
	path := filepath.Join(s.dir, "singles.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"category_id": "sing`), 0o644))

	_, err := s.Get("singles")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ClassStorageCorrupt))

	// Load of the whole set fails too; corruption is never repaired
	// silently.
	_, err = s.Load([]domain.Category{{ID: "singles", Label: "Singles"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ClassStorageCorrupt))
}

func TestResetClearsMarkerKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Commit("singles", strptr("m_9"), domain.RunOutcome{RunID: "a", Success: true, RecordsFetched: 9}))

	require.NoError(t, s.Reset("singles"))

	st, err := s.Get("singles")
	require.NoError(t, err)
	assert.Nil(t, st.LastSeenRecordID)
	assert.Equal(t, 9, st.TotalRecordsSynced)
	require.Len(t, st.RunHistory, 1)
}

func TestCommitLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Commit("singles", strptr("m_1"), domain.RunOutcome{Success: true}))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestLockExcludesSecondRun(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Acquire())

	other, err := New(s.dir, slog.Default())
	require.NoError(t, err)
	err = other.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another run")

	require.NoError(t, s.Release())
	require.NoError(t, other.Acquire())
	require.NoError(t, other.Release())
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Release())
}
