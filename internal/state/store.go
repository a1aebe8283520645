// Package state persists per-category sync markers and run history.
// One JSON document per category, replaced atomically on commit via a
// temp-file-and-rename so a crash mid-write never leaves a torn
// document. The store is the single writer of SyncState; traversal only
// reads the snapshots it hands out.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"huntsync/internal/domain"
	"huntsync/internal/errors"
)

// DefaultHistoryCap bounds a category's run history.
const DefaultHistoryCap = 50

const lockFileName = ".sync.lock"

// Store manages SyncState documents under one directory.
type Store struct {
	dir        string
	historyCap int
	logger     *slog.Logger

	mu       sync.Mutex
	lockPath string
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithHistoryCap overrides the run-history bound.
func WithHistoryCap(cap int) Option {
	return func(s *Store) {
		if cap > 0 {
			s.historyCap = cap
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{
		dir:        dir,
		historyCap: DefaultHistoryCap,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Acquire takes the advisory lock for this state directory, enforcing
// one run at a time. Concurrent commits against the same category could
// race and silently drop the true high-water mark.
func (s *Store) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := os.ReadFile(path)
			return fmt.Errorf("state directory locked by another run (pid %s); remove %s if stale",
				string(holder), path)
		}
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	if err := f.Close(); err != nil {
		return err
	}
	s.lockPath = path
	return nil
}

// Release drops the advisory lock.
func (s *Store) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockPath == "" {
		return nil
	}
	err := os.Remove(s.lockPath)
	s.lockPath = ""
	return err
}

// Load returns the SyncState for every given category. Categories with
// no document yet are returned with a nil marker (never synced). A
// document that exists but cannot be parsed yields StorageCorrupt; the
// operator decides between reset and abort, the store never guesses.
func (s *Store) Load(categories []domain.Category) (map[string]domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]domain.SyncState, len(categories))
	for _, cat := range categories {
		st, err := s.loadOne(cat.ID)
		if err != nil {
			return nil, err
		}
		out[cat.ID] = st
	}
	return out, nil
}

// Get returns a single category's SyncState.
func (s *Store) Get(categoryID string) (domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadOne(categoryID)
}

func (s *Store) loadOne(categoryID string) (domain.SyncState, error) {
	path := s.path(categoryID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		now := s.now().UTC()
		return domain.SyncState{
			CategoryID: categoryID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, nil
	}
	if err != nil {
		return domain.SyncState{}, errors.StorageCorrupt("state.load", err).WithCategory(categoryID)
	}

	var st domain.SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.SyncState{}, errors.StorageCorrupt("state.load", err).WithCategory(categoryID)
	}
	st.CategoryID = categoryID
	return st, nil
}

// Commit atomically replaces a category's SyncState: sets the new
// marker (nil leaves the current marker untouched), appends the run
// outcome to the bounded history, and bumps totals on success. Called
// only after the run's export is durably written.
func (s *Store) Commit(categoryID string, newMarker *string, outcome domain.RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadOne(categoryID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if newMarker != nil {
		marker := *newMarker
		st.LastSeenRecordID = &marker
	}
	if outcome.Success {
		st.TotalRecordsSynced += outcome.RecordsFetched
		st.LastSyncAt = now
	}
	st.RunHistory = append(st.RunHistory, outcome)
	if len(st.RunHistory) > s.historyCap {
		st.RunHistory = st.RunHistory[len(st.RunHistory)-s.historyCap:]
	}
	st.UpdatedAt = now
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}

	if err := s.writeAtomic(categoryID, st); err != nil {
		return err
	}

	s.logger.Info("sync state committed",
		slog.String("category", categoryID),
		slog.String("marker", st.Marker()),
		slog.Int("records_fetched", outcome.RecordsFetched),
		slog.Bool("success", outcome.Success))
	return nil
}

// Reset clears a category's marker, forcing a full resync on the next
// run. History and totals are preserved.
func (s *Store) Reset(categoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadOne(categoryID)
	if err != nil {
		return err
	}
	st.LastSeenRecordID = nil
	st.UpdatedAt = s.now().UTC()

	if err := s.writeAtomic(categoryID, st); err != nil {
		return err
	}
	s.logger.Warn("sync marker reset", slog.String("category", categoryID))
	return nil
}

// writeAtomic writes the document to a temp file in the same directory
// and renames it over the target.
func (s *Store) writeAtomic(categoryID string, st domain.SyncState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", categoryID, err)
	}

	tmp, err := os.CreateTemp(s.dir, categoryID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(categoryID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *Store) path(categoryID string) string {
	return filepath.Join(s.dir, categoryID+".json")
}
