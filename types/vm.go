package types

import (
	"fmt"
	"regexp"
	"time"
)

// State is the lifecycle state of a VM record.
// Starting and Stopping are transient markers persisted while the
// corresponding driver call is in flight; every other state is stable.
// Unregistration removes the record instead of retaining a terminal state.
type State string

const (
	StateRegistered State = "registered" // record exists, never started
	StateStarting   State = "starting"   // driver Start in flight
	StateRunning    State = "running"    // guest is up
	StateConnected  State = "connected"  // a connection has been established
	StateStopping   State = "stopping"   // driver Halt in flight
	StateStopped    State = "stopped"    // guest has exited
)

// Transient reports whether s is an in-flight transition marker.
func (s State) Transient() bool {
	return s == StateStarting || s == StateStopping
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateRegistered, StateStarting, StateRunning, StateConnected, StateStopping, StateStopped:
		return true
	default:
		return false
	}
}

// SystemApp distinguishes system VMs from application VMs.
type SystemApp string

const (
	SystemAppSystem SystemApp = "System"
	SystemAppApp    SystemApp = "App"
)

// RunType determines restart semantics: a LongRun VM keeps running until
// stopped, a OneShot VM transitions to stopped on its own once its workload
// completes and never re-enters running.
type RunType string

const (
	RunTypeLongRun RunType = "LongRun"
	RunTypeOneShot RunType = "OneShot"
)

// VMType is the immutable classification of a VM, fixed at registration.
type VMType struct {
	SystemApp SystemApp `json:"system_app"`
	RunType   RunType   `json:"run_type"`
}

// Valid reports whether both halves of the type are known values.
func (t VMType) Valid() bool {
	return (t.SystemApp == SystemAppSystem || t.SystemApp == SystemAppApp) &&
		(t.RunType == RunTypeLongRun || t.RunType == RunTypeOneShot)
}

// Addresses are the endpoints assigned to a VM at registration.
// Both must be unique across all live records.
type Addresses struct {
	IP    string `json:"ip"`
	Vsock string `json:"vsock"`
}

// nameRE limits VM names so they are safe as file names, store keys and
// URL path segments.
var nameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidName reports whether name is acceptable as a VM name.
func ValidName(name string) bool {
	return name != "" && len(name) <= 128 && nameRE.MatchString(name)
}

// VMRecord is the persisted record for a single named VM.
// Name is unique and immutable once registered. Version increases by one on
// every persisted mutation and is the compare-and-swap token against the
// store; 0 never appears in a stored record.
type VMRecord struct {
	Name      string    `json:"name"`
	VMType    VMType    `json:"vm_type"`
	Addresses Addresses `json:"addresses"`

	// Optional metadata, no effect on lifecycle.
	XDGRun   string `json:"xdg_run,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	State   State  `json:"state"`
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a shallow copy detached from the original.
func (r *VMRecord) Clone() *VMRecord {
	c := *r
	return &c
}

// Validate checks the client-supplied fields of a registration request.
func (r *VMRecord) Validate() error {
	if !ValidName(r.Name) {
		return fmt.Errorf("invalid VM name %q", r.Name)
	}
	if !r.VMType.Valid() {
		return fmt.Errorf("invalid vm_type {%s, %s}", r.VMType.SystemApp, r.VMType.RunType)
	}
	if r.Addresses.IP == "" || r.Addresses.Vsock == "" {
		return fmt.Errorf("addresses must set both ip and vsock")
	}
	return nil
}
