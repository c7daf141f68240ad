// Package driver defines the collaborator that performs the real VM side
// effects. The registry only orchestrates state; starting, connecting to
// and halting the actual guest is the driver's business.
package driver

import (
	"context"

	"github.com/projecteru2/chrysalis/types"
)

// ConnectionInfo describes how a client reaches a running VM.
type ConnectionInfo struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Vsock     string `json:"vsock"`
	// Endpoint is driver-specific, e.g. the hypervisor API socket path.
	Endpoint string `json:"endpoint,omitempty"`
}

// Driver performs the actual start/connect/stop side effects. Every call
// may block until the caller-supplied context expires; the registry treats
// a deadline hit like any other driver failure and reverts the transition.
type Driver interface {
	// Start boots the VM described by rec.
	Start(ctx context.Context, rec *types.VMRecord) error
	// EstablishConnection makes the VM reachable and returns connection
	// details. It must be idempotent: connecting to an already-connected
	// VM returns fresh details without disturbing the guest.
	EstablishConnection(ctx context.Context, rec *types.VMRecord) (*ConnectionInfo, error)
	// Halt shuts the VM down. Halting a VM that already exited is not an
	// error.
	Halt(ctx context.Context, rec *types.VMRecord) error
	// Wait blocks until the VM terminates on its own or ctx is done.
	// The registry watches this for OneShot VMs to commit the automatic
	// stop transition.
	Wait(ctx context.Context, rec *types.VMRecord) error
}
