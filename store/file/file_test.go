package file

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/store"
	"github.com/projecteru2/chrysalis/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func record(name string, version uint64) *types.VMRecord {
	now := time.Now().UTC()
	return &types.VMRecord{
		Name: name,
		VMType: types.VMType{
			SystemApp: types.SystemAppApp,
			RunType:   types.RunTypeLongRun,
		},
		Addresses: types.Addresses{IP: "192.168.100.2", Vsock: "3"},
		State:     types.StateRegistered,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "vm1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec := record("vm1", 1)
	require.NoError(t, s.CompareAndSwap(ctx, "vm1", 0, rec))

	got, err := s.Get(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.VMType, got.VMType)
	assert.Equal(t, rec.Addresses, got.Addresses)
	assert.Equal(t, types.StateRegistered, got.State)
	assert.Equal(t, uint64(1), got.Version)
}

func TestCreateExistingConflicts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "vm1", 0, record("vm1", 1)))
	err := s.CompareAndSwap(ctx, "vm1", 0, record("vm1", 1))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestSwapVersionMismatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "vm1", 0, record("vm1", 1)))

	// Stale expected version loses.
	err := s.CompareAndSwap(ctx, "vm1", 7, record("vm1", 8))
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	// Matching expected version wins.
	next := record("vm1", 2)
	next.State = types.StateRunning
	require.NoError(t, s.CompareAndSwap(ctx, "vm1", 1, next))

	got, err := s.Get(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, types.StateRunning, got.State)
}

func TestSwapMissingRecordConflicts(t *testing.T) {
	s := newStore(t)
	err := s.CompareAndSwap(context.Background(), "ghost", 3, record("ghost", 4))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "vm1", 0, record("vm1", 1)))
	require.NoError(t, s.Delete(ctx, "vm1"))

	_, err := s.Get(ctx, "vm1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "vm1"), store.ErrNotFound)
}

func TestListKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, s.CompareAndSwap(ctx, name, 0, record(name, 1)))
	}
	require.NoError(t, s.Delete(ctx, "beta"))

	keys, err = s.ListKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, keys)
}

func TestConcurrentSwapsSingleWinnerPerVersion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CompareAndSwap(ctx, "vm1", 0, record("vm1", 1)))

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.CompareAndSwap(ctx, "vm1", 1, record("vm1", 2))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, store.ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, wins, "exactly one writer advances version 1 to 2")
}
