// Package version implements the optimistic version store. It is the
// sole mutation path for synchronized records: every apply, whether
// direct, auto-resolved or manual, funnels through Store.Apply.
package version

import (
	"context"
	"sync"

	"github.com/marinops/fleetsync/internal/db"
	"github.com/marinops/fleetsync/internal/models"
)

// Store serializes compare-and-swap applies per record. Two concurrent
// applies for the same (table, recordId) can never both observe the same
// expected version: the per-record mutex serializes them, and the
// repository's transactional version guard backs that up at the row
// level.
type Store struct {
	repo *db.Repository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store over the given repository.
func NewStore(repo *db.Repository) *Store {
	return &Store{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

// recordLock returns the mutex guarding one (table, recordId) pair.
func (s *Store) recordLock(table, recordID string) *sync.Mutex {
	key := table + "/" + recordID
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Get reads the current state of a record. Reads run without the write
// lock; callers re-validate the version at apply time.
func (s *Store) Get(ctx context.Context, table, recordID string) (*models.VersionedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.repo.GetRecord(table, recordID)
}

// Apply performs the compare-and-swap write. It succeeds only if the
// record's current version equals expectedVersion; on success the field
// changes are merged atomically and the version increments by exactly
// one. On mismatch it returns an error with code VERSION_MISMATCH and
// the caller must re-run conflict detection against current state.
func (s *Store) Apply(ctx context.Context, table, recordID string, expectedVersion int64, changes map[string]models.FieldChange, meta db.ApplyMeta) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lock := s.recordLock(table, recordID)
	lock.Lock()
	defer lock.Unlock()

	return s.repo.ApplyRecordCAS(table, recordID, expectedVersion, changes, meta)
}
