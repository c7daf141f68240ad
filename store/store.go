// Package store defines the key-value contract the registry persists VM
// records through. Records are serialized as JSON so that stored data stays
// self-describing and forward-compatible across versions.
package store

import (
	"context"
	"errors"

	"github.com/projecteru2/chrysalis/types"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when no record exists for the name.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version does not match the expected one.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the durable key-value contract for VM records.
//
// Versioning: every stored record carries Version >= 1. CompareAndSwap with
// expected == 0 creates the record and fails with ErrVersionConflict if one
// already exists; any other expected value replaces the record only if the
// stored version matches. The caller sets rec.Version to the new value
// before calling.
//
// The compare-and-swap check is the sole cross-process concurrency guard;
// backends must make it atomic against concurrent writers.
type Store interface {
	// Get returns the record for name, or ErrNotFound.
	Get(ctx context.Context, name string) (*types.VMRecord, error)
	// CompareAndSwap conditionally writes rec under name.
	CompareAndSwap(ctx context.Context, name string, expected uint64, rec *types.VMRecord) error
	// Delete removes the record for name, or returns ErrNotFound.
	Delete(ctx context.Context, name string) error
	// ListKeys returns the names of all stored records, in no particular
	// order.
	ListKeys(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}
