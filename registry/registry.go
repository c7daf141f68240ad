// Package registry owns the authoritative lifecycle state of every known
// VM. It serializes mutating operations per name, validates transitions
// through the lifecycle state machine, dispatches side effects to the
// driver and persists results with compare-and-swap writes, so the stored
// state never reflects a driver call that did not complete.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/driver"
	"github.com/projecteru2/chrysalis/lifecycle"
	"github.com/projecteru2/chrysalis/lock"
	"github.com/projecteru2/chrysalis/store"
	"github.com/projecteru2/chrysalis/types"
)

// Options bounds the blocking points of a mutating operation. Zero fields
// take defaults.
type Options struct {
	// LockTimeout bounds waiting for the per-name coordination token.
	LockTimeout time.Duration
	// StoreTimeout bounds each store read/write.
	StoreTimeout time.Duration
	// DriverTimeout bounds each driver call.
	DriverTimeout time.Duration
	// CASRetries is how many times a version-conflicted operation is
	// retried from the load step before failing.
	CASRetries int
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 30 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.DriverTimeout <= 0 {
		o.DriverTimeout = 60 * time.Second
	}
	if o.CASRetries <= 0 {
		o.CASRetries = 3
	}
	return o
}

// Registry is the core coordinator. It is the sole writer of VM records;
// readers go through Status and List.
type Registry struct {
	store  store.Store
	driver driver.Driver
	names  *lock.Keyed
	opts   Options

	// watchCtx bounds the lifetime of OneShot completion watchers; Close
	// cancels it so no watcher goroutine outlives the registry.
	watchCtx    context.Context
	watchCancel context.CancelFunc

	// registerMu serializes registrations so the cross-record address
	// uniqueness check and the create write act as one step. Per-record
	// CAS cannot guard a cross-record invariant.
	registerMu sync.Mutex
}

// New creates a Registry over the given store and driver.
func New(st store.Store, drv driver.Driver, opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:       st,
		driver:      drv,
		names:       lock.NewKeyed(),
		opts:        opts.withDefaults(),
		watchCtx:    ctx,
		watchCancel: cancel,
	}
}

// Close stops all outstanding OneShot completion watchers. It does not
// close the store or touch running VMs.
func (r *Registry) Close() error {
	r.watchCancel()
	return nil
}

// Register creates a fresh record in state registered. The name must be
// new and the addresses must not collide with any live record.
func (r *Registry) Register(ctx context.Context, req *types.VMRecord) (*types.VMRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	if _, err := r.getRecord(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, req.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := r.checkAddresses(ctx, req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := req.Clone()
	rec.State = types.StateRegistered
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := r.cas(ctx, rec.Name, 0, rec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, rec.Name)
		}
		return nil, err
	}
	log.WithFunc("registry.Register").Infof(ctx, "registered VM %s (%s/%s, ip %s)",
		rec.Name, rec.VMType.SystemApp, rec.VMType.RunType, rec.Addresses.IP)
	return rec.Clone(), nil
}

// Run starts the named VM: registered → starting → running, with the
// driver Start call between the two writes. For OneShot VMs the registry
// keeps watching the driver and commits the automatic stop when the
// workload completes.
func (r *Registry) Run(ctx context.Context, name string) error {
	rec, _, err := r.mutate(ctx, name, lifecycle.ActionRun)
	if err != nil {
		return err
	}
	if rec.VMType.RunType == types.RunTypeOneShot {
		go r.watchCompletion(rec.Clone())
	}
	return nil
}

// Connect establishes a connection to a running VM and returns the
// connection details. Connecting to an already-connected VM succeeds
// without a store write.
func (r *Registry) Connect(ctx context.Context, name string) (*driver.ConnectionInfo, error) {
	_, info, err := r.mutate(ctx, name, lifecycle.ActionConnect)
	return info, err
}

// Stop halts a running or connected VM: → stopping → stopped.
func (r *Registry) Stop(ctx context.Context, name string) error {
	_, _, err := r.mutate(ctx, name, lifecycle.ActionStop)
	return err
}

// Unregister removes the record entirely. Legal only from registered or
// stopped.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	_, _, err := r.mutate(ctx, name, lifecycle.ActionUnregister)
	return err
}

// mutate runs the serialized transition protocol for one name:
// token → load → validate → marker write → driver → commit, with bounded
// retries on version conflicts during the pre-driver writes.
func (r *Registry) mutate(ctx context.Context, name string, action lifecycle.Action) (*types.VMRecord, *driver.ConnectionInfo, error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.opts.LockTimeout)
	release, err := r.names.Acquire(lockCtx, name)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer release()

	logger := log.WithFunc("registry.mutate")
	for attempt := 0; ; attempt++ {
		rec, info, err := r.attempt(ctx, name, action)
		if errors.Is(err, store.ErrVersionConflict) {
			if attempt < r.opts.CASRetries {
				logger.Warnf(ctx, "%s %s: version conflict, retrying (%d/%d)", action, name, attempt+1, r.opts.CASRetries)
				continue
			}
			return nil, nil, fmt.Errorf("%w: %s %s after %d attempts", ErrConcurrentModification, action, name, attempt+1)
		}
		if err == nil && !rec.State.Transient() && action != lifecycle.ActionComplete && action != lifecycle.ActionUnregister {
			logger.Infof(ctx, "%s %s: state now %s (version %d)", action, name, rec.State, rec.Version)
		}
		return rec, info, err
	}
}

// attempt performs one pass of the transition protocol. A returned
// store.ErrVersionConflict means the whole pass may be retried from the
// load step; any other error is final.
func (r *Registry) attempt(ctx context.Context, name string, action lifecycle.Action) (*types.VMRecord, *driver.ConnectionInfo, error) {
	rec, err := r.getRecord(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	step, err := lifecycle.Next(rec.State, action, rec.VMType)
	if err != nil {
		// Illegal transition: no store write of any kind.
		return nil, nil, err
	}

	if step.Remove {
		if err := r.del(ctx, name); err != nil {
			return nil, nil, err
		}
		log.WithFunc("registry.attempt").Infof(ctx, "unregistered VM %s", name)
		return rec, nil, nil
	}

	if step.NoOp {
		info, err := r.invokeDriver(ctx, action, rec)
		if err != nil {
			return nil, nil, err
		}
		return rec, info, nil
	}

	prior := rec.State
	expected := rec.Version
	cur := rec

	// Persist the transient marker before dispatching the driver call so
	// that every process sharing the store observes the in-flight
	// transition.
	if step.Transient != "" {
		cur = rec.Clone()
		cur.State = step.Transient
		cur.Version = expected + 1
		cur.UpdatedAt = time.Now().UTC()
		if err := r.cas(ctx, name, expected, cur); err != nil {
			return nil, nil, err
		}
		expected = cur.Version
	}

	var info *driver.ConnectionInfo
	if step.SideEffect {
		info, err = r.invokeDriver(ctx, action, cur)
		if err != nil {
			if step.Transient != "" {
				r.revertMarker(ctx, cur, prior)
			}
			return nil, nil, err
		}
	}

	final := cur.Clone()
	final.State = step.Target
	final.Version = expected + 1
	final.UpdatedAt = time.Now().UTC()

	// The driver call already happened; the commit must not be abandoned
	// because the caller went away.
	if err := r.cas(context.WithoutCancel(ctx), name, expected, final); err != nil {
		if step.Transient != "" && errors.Is(err, store.ErrVersionConflict) {
			// Nothing may legally advance past our marker; do not retry,
			// a retry would re-run the driver side effect.
			return nil, nil, fmt.Errorf("%w: %s moved past its %s marker", ErrConcurrentModification, name, cur.State)
		}
		return nil, nil, err
	}
	return final, info, nil
}

// invokeDriver dispatches the side effect for action, detached from caller
// cancellation and bounded by the driver timeout. A dispatched call always
// runs to completion or timeout, never half-cancelled.
func (r *Registry) invokeDriver(ctx context.Context, action lifecycle.Action, rec *types.VMRecord) (*driver.ConnectionInfo, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.DriverTimeout)
	defer cancel()

	var info *driver.ConnectionInfo
	var err error
	switch action {
	case lifecycle.ActionRun:
		err = r.driver.Start(dctx, rec)
	case lifecycle.ActionConnect:
		info, err = r.driver.EstablishConnection(dctx, rec)
	case lifecycle.ActionStop:
		err = r.driver.Halt(dctx, rec)
	default:
		return nil, fmt.Errorf("%w: no side effect for action %s", ErrDriverFailure, action)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: driver %s %s: %v", ErrTimeout, action, rec.Name, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrDriverFailure, action, rec.Name, err)
	}
	return info, nil
}

// revertMarker restores the prior stable state after a failed driver call,
// leaving the record in its last known-good state (at a higher version:
// the revert is itself a persisted mutation).
func (r *Registry) revertMarker(ctx context.Context, marker *types.VMRecord, prior types.State) {
	rec := marker.Clone()
	rec.State = prior
	rec.Version = marker.Version + 1
	rec.UpdatedAt = time.Now().UTC()
	if err := r.cas(context.WithoutCancel(ctx), marker.Name, marker.Version, rec); err != nil {
		log.WithFunc("registry.revertMarker").Warnf(ctx, "VM %s left in %s: revert failed: %v", marker.Name, marker.State, err)
	}
}

// watchCompletion waits for a OneShot VM's workload to finish and commits
// the automatic running → stopped transition through the normal serialized
// path, so readers observe it as an ordinary versioned transition.
func (r *Registry) watchCompletion(rec *types.VMRecord) {
	ctx := r.watchCtx
	logger := log.WithFunc("registry.watchCompletion")
	if err := r.driver.Wait(ctx, rec); err != nil {
		logger.Warnf(ctx, "wait for OneShot VM %s: %v", rec.Name, err)
		return
	}
	if _, _, err := r.mutate(ctx, rec.Name, lifecycle.ActionComplete); err != nil {
		// Losing the race against an explicit stop or unregister is fine.
		logger.Warnf(ctx, "complete OneShot VM %s: %v", rec.Name, err)
		return
	}
	logger.Infof(ctx, "OneShot VM %s completed, now stopped", rec.Name)
}

// checkAddresses verifies ip and vsock uniqueness against all live records.
func (r *Registry) checkAddresses(ctx context.Context, req *types.VMRecord) error {
	names, err := r.store.ListKeys(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		other, err := r.getRecord(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between list and get
			}
			return err
		}
		if other.Addresses.IP == req.Addresses.IP {
			return fmt.Errorf("%w: ip %s already used by %s", ErrAddressConflict, req.Addresses.IP, other.Name)
		}
		if other.Addresses.Vsock == req.Addresses.Vsock {
			return fmt.Errorf("%w: vsock %s already used by %s", ErrAddressConflict, req.Addresses.Vsock, other.Name)
		}
	}
	return nil
}

// getRecord is a store Get with the store timeout and registry error
// mapping applied.
func (r *Registry) getRecord(ctx context.Context, name string) (*types.VMRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	rec, err := r.store.Get(sctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: load %s: %v", ErrTimeout, name, err)
		}
		return nil, err
	}
	return rec, nil
}

func (r *Registry) cas(ctx context.Context, name string, expected uint64, rec *types.VMRecord) error {
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	err := r.store.CompareAndSwap(sctx, name, expected, rec)
	if err != nil && !errors.Is(err, store.ErrVersionConflict) && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: write %s: %v", ErrTimeout, name, err)
	}
	return err
}

func (r *Registry) del(ctx context.Context, name string) error {
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	if err := r.store.Delete(sctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	return nil
}
