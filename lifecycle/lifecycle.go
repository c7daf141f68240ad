// Package lifecycle defines the legal state transitions for a VM record.
// It is pure logic: no store, no driver, no locking.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/projecteru2/chrysalis/types"
)

// Action is a requested lifecycle operation.
type Action string

const (
	ActionRun        Action = "run"
	ActionConnect    Action = "connect"
	ActionStop       Action = "stop"
	ActionUnregister Action = "unregister"
	// ActionComplete is the driver completion signal for OneShot VMs.
	// It is never client-initiated.
	ActionComplete Action = "complete"
)

// Transition validation errors. The registry surfaces these unchanged;
// no store write happens once one of them is returned.
var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrAlreadyRunning       = errors.New("VM already running")
	ErrNotRunning           = errors.New("VM not running")
	ErrTransitionInProgress = errors.New("transition in progress")
	ErrInvalidState         = errors.New("invalid state for operation")
)

// Step describes a legal transition resolved by Next.
type Step struct {
	// Transient is the marker state persisted while the driver call is in
	// flight. Empty if the transition commits in a single write.
	Transient types.State
	// Target is the stable state persisted once the transition commits.
	Target types.State
	// SideEffect is true when the transition requires a driver call.
	SideEffect bool
	// Remove is true when the transition deletes the record (unregister).
	Remove bool
	// NoOp is true for idempotent success: the driver may be consulted but
	// the stored record must not change.
	NoOp bool
}

// Next resolves whether action is legal from state cur for a VM of type vt.
// On error the returned Step is meaningless.
func Next(cur types.State, action Action, vt types.VMType) (Step, error) {
	switch action {
	case ActionRun:
		return nextRun(cur)
	case ActionConnect:
		return nextConnect(cur)
	case ActionStop:
		return nextStop(cur)
	case ActionUnregister:
		return nextUnregister(cur)
	case ActionComplete:
		return nextComplete(cur, vt)
	default:
		return Step{}, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
}

func nextRun(cur types.State) (Step, error) {
	switch cur {
	case types.StateRegistered:
		return Step{Transient: types.StateStarting, Target: types.StateRunning, SideEffect: true}, nil
	case types.StateRunning, types.StateConnected:
		return Step{}, fmt.Errorf("%w: state is %s", ErrAlreadyRunning, cur)
	case types.StateStarting, types.StateStopping:
		return Step{}, fmt.Errorf("%w: %s", ErrTransitionInProgress, cur)
	default:
		return Step{}, fmt.Errorf("%w: cannot run from %s", ErrInvalidTransition, cur)
	}
}

func nextConnect(cur types.State) (Step, error) {
	switch cur {
	case types.StateRunning:
		return Step{Target: types.StateConnected, SideEffect: true}, nil
	case types.StateConnected:
		// Re-connecting to an already-connected VM is a no-op success.
		return Step{Target: types.StateConnected, SideEffect: true, NoOp: true}, nil
	case types.StateStarting, types.StateStopping:
		return Step{}, fmt.Errorf("%w: %s", ErrTransitionInProgress, cur)
	default:
		return Step{}, fmt.Errorf("%w: state is %s", ErrNotRunning, cur)
	}
}

func nextStop(cur types.State) (Step, error) {
	switch cur {
	case types.StateRunning, types.StateConnected:
		return Step{Transient: types.StateStopping, Target: types.StateStopped, SideEffect: true}, nil
	case types.StateStarting, types.StateStopping:
		return Step{}, fmt.Errorf("%w: %s", ErrTransitionInProgress, cur)
	default:
		// Registered and stopped VMs have nothing to halt; this is a
		// transition error. InvalidState belongs to unregister only.
		return Step{}, fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, cur)
	}
}

func nextUnregister(cur types.State) (Step, error) {
	switch cur {
	case types.StateRegistered, types.StateStopped:
		return Step{Remove: true}, nil
	default:
		return Step{}, fmt.Errorf("%w: cannot unregister from %s", ErrInvalidState, cur)
	}
}

// nextComplete handles the automatic Running→Stopped edge taken when the
// driver reports that a OneShot workload has finished.
func nextComplete(cur types.State, vt types.VMType) (Step, error) {
	if vt.RunType != types.RunTypeOneShot {
		return Step{}, fmt.Errorf("%w: completion signal for %s VM", ErrInvalidTransition, vt.RunType)
	}
	switch cur {
	case types.StateRunning, types.StateConnected:
		return Step{Target: types.StateStopped}, nil
	default:
		return Step{}, fmt.Errorf("%w: completion signal in state %s", ErrInvalidTransition, cur)
	}
}
