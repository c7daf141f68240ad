// Package file is the default store backend: one JSON document per VM name
// under a single directory, guarded by a per-name flock(2) so the version
// check stays atomic across processes sharing the directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/chrysalis/store"
	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

// lockRetryDelay is the polling interval while waiting for a flock.
const lockRetryDelay = 100 * time.Millisecond

// compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store persists VM records as {dir}/{name}.json with {dir}/{name}.lock as
// the cross-process write guard. Reads are lock-free: writes are atomic
// temp+rename, so a reader sees either the previous or the next document,
// never a partial one.
type Store struct {
	dir string
}

// New creates the backing directory if needed and returns a Store.
func New(dir string) (*Store, error) {
	if err := utils.EnsureDirs(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) recordPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, name+".lock")
}

// Get returns the record for name. No lock is taken.
func (s *Store) Get(_ context.Context, name string) (*types.VMRecord, error) {
	raw, err := os.ReadFile(s.recordPath(name)) //nolint:gosec // name is validated, dir is ours
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: read %s: %v", store.ErrUnavailable, name, err)
	}
	rec := &types.VMRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", name, err)
	}
	return rec, nil
}

// CompareAndSwap writes rec under the per-name flock after verifying the
// stored version matches expected (0 = the record must not exist yet).
func (s *Store) CompareAndSwap(ctx context.Context, name string, expected uint64, rec *types.VMRecord) error {
	return s.withLock(ctx, name, func() error {
		cur, err := s.Get(ctx, name)
		switch {
		case err == nil:
			if expected == 0 || cur.Version != expected {
				return fmt.Errorf("%w: %s has version %d, expected %d", store.ErrVersionConflict, name, cur.Version, expected)
			}
		case isNotFound(err):
			if expected != 0 {
				return fmt.Errorf("%w: %s is gone, expected version %d", store.ErrVersionConflict, name, expected)
			}
		default:
			return err
		}
		if err := utils.AtomicWriteJSON(s.recordPath(name), rec); err != nil {
			return fmt.Errorf("%w: write %s: %v", store.ErrUnavailable, name, err)
		}
		return nil
	})
}

// Delete removes the record for name.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.withLock(ctx, name, func() error {
		if err := os.Remove(s.recordPath(name)); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", store.ErrNotFound, name)
			}
			return fmt.Errorf("%w: remove %s: %v", store.ErrUnavailable, name, err)
		}
		return nil
	})
}

// ListKeys enumerates all stored record names.
func (s *Store) ListKeys(_ context.Context) ([]string, error) {
	return utils.ScanFileStems(s.dir, ".json"), nil
}

// Close is a no-op for the file backend.
func (s *Store) Close() error { return nil }

// withLock runs fn while holding the per-name flock. A fresh fd is opened
// per acquisition so concurrent callers in the same process block each
// other as well.
func (s *Store) withLock(ctx context.Context, name string, fn func() error) error {
	fl := flock.New(s.lockPath(name))
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("acquire lock %s: %w", name, ctx.Err())
	}
	defer fl.Unlock() //nolint:errcheck
	return fn()
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
