package registry

import "errors"

// Registry-level errors. Transition validation errors live in the
// lifecycle package and are surfaced unchanged; the store contributes
// store.ErrUnavailable.
var (
	// ErrInvalidRecord rejects a malformed registration request.
	ErrInvalidRecord = errors.New("invalid VM record")
	// ErrDuplicateName rejects registration of an existing name.
	ErrDuplicateName = errors.New("duplicate VM name")
	// ErrAddressConflict rejects registration whose ip or vsock collides
	// with a live record.
	ErrAddressConflict = errors.New("address conflict")
	// ErrNotFound is returned when the named VM does not exist.
	ErrNotFound = errors.New("VM not found")
	// ErrConcurrentModification is returned after the bounded CAS retry
	// budget is exhausted.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDriverFailure wraps a failed driver side effect. The stored state
	// never advances past a failed driver call.
	ErrDriverFailure = errors.New("driver failure")
	// ErrTimeout is returned when waiting for the coordination token, the
	// store, or the driver exceeded its configured bound.
	ErrTimeout = errors.New("operation timed out")
)
