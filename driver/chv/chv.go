// Package chv drives VMs as Cloud Hypervisor processes: one
// cloud-hypervisor process per VM name, controlled through its REST API
// over a per-VM Unix socket.
package chv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/driver"
	"github.com/projecteru2/chrysalis/types"
	"github.com/projecteru2/chrysalis/utils"
)

const (
	socketWaitTimeout = 5 * time.Second
	socketPollDelay   = 100 * time.Millisecond
	exitPollDelay     = 500 * time.Millisecond

	socketName = "api.sock"
	pidName    = "vm.pid"
	logName    = "process.log"
)

// compile-time interface check.
var _ driver.Driver = (*Driver)(nil)

// Options configures the Cloud Hypervisor driver.
type Options struct {
	// Binary is the cloud-hypervisor executable.
	Binary string
	// RunDir holds per-VM runtime directories (socket, PID file, log).
	RunDir string
	// ExtraArgs are appended to every launch command.
	ExtraArgs []string
	// StopGracePeriod is the SIGTERM→SIGKILL window on Halt.
	StopGracePeriod time.Duration
}

// Driver implements driver.Driver on top of cloud-hypervisor processes.
type Driver struct {
	opts Options
}

// New validates opts and creates the runtime directory.
func New(opts Options) (*Driver, error) {
	if opts.Binary == "" {
		opts.Binary = "cloud-hypervisor"
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = 5 * time.Second
	}
	if err := utils.EnsureDirs(opts.RunDir); err != nil {
		return nil, fmt.Errorf("ensure run dir: %w", err)
	}
	return &Driver{opts: opts}, nil
}

func (d *Driver) vmDir(name string) string      { return filepath.Join(d.opts.RunDir, name) }
func (d *Driver) socketPath(name string) string { return filepath.Join(d.vmDir(name), socketName) }
func (d *Driver) pidPath(name string) string    { return filepath.Join(d.vmDir(name), pidName) }
func (d *Driver) logPath(name string) string    { return filepath.Join(d.vmDir(name), logName) }

// Start launches the cloud-hypervisor process for rec and boots the guest
// through the REST API.
func (d *Driver) Start(ctx context.Context, rec *types.VMRecord) error {
	if err := utils.EnsureDirs(d.vmDir(rec.Name)); err != nil {
		return fmt.Errorf("ensure vm dir: %w", err)
	}

	socketPath := d.socketPath(rec.Name)

	// Clean up stale socket and PID file from any previous run.
	_ = os.Remove(socketPath)
	_ = os.Remove(d.pidPath(rec.Name))

	pid, err := d.launchProcess(ctx, rec.Name, socketPath)
	if err != nil {
		return fmt.Errorf("launch process: %w", err)
	}

	if err := doWithRetry(ctx, func() error {
		return doPUT(ctx, socketPath, "/api/v1/vm.boot", nil)
	}); err != nil {
		_ = utils.TerminateProcess(pid, d.opts.StopGracePeriod)
		d.cleanupRuntimeFiles(rec.Name)
		return fmt.Errorf("vm.boot: %w", err)
	}
	return nil
}

// EstablishConnection verifies the VM is reachable and returns fresh
// connection details. Safe to call repeatedly.
func (d *Driver) EstablishConnection(_ context.Context, rec *types.VMRecord) (*driver.ConnectionInfo, error) {
	pid, err := utils.ReadPIDFile(d.pidPath(rec.Name))
	if err != nil || !utils.IsProcessAlive(pid) {
		return nil, fmt.Errorf("VM %s has no live process", rec.Name)
	}
	socketPath := d.socketPath(rec.Name)
	if err := checkSocket(socketPath); err != nil {
		return nil, fmt.Errorf("VM %s API socket: %w", rec.Name, err)
	}
	return &driver.ConnectionInfo{
		SessionID: uuid.NewString(),
		Name:      rec.Name,
		IP:        rec.Addresses.IP,
		Vsock:     rec.Addresses.Vsock,
		Endpoint:  socketPath,
	}, nil
}

// Halt shuts the VM down: vm.shutdown over the API, then SIGTERM with a
// SIGKILL fallback. A VM whose process already exited halts successfully.
func (d *Driver) Halt(ctx context.Context, rec *types.VMRecord) error {
	defer d.cleanupRuntimeFiles(rec.Name)

	pid, _ := utils.ReadPIDFile(d.pidPath(rec.Name))
	if !utils.IsProcessAlive(pid) {
		return nil
	}

	if err := doPUT(ctx, d.socketPath(rec.Name), "/api/v1/vm.shutdown", nil); err != nil {
		log.WithFunc("chv.Halt").Warnf(ctx, "vm.shutdown %s: %v, escalating to signals", rec.Name, err)
	}
	if err := utils.TerminateProcess(pid, d.opts.StopGracePeriod); err != nil {
		return fmt.Errorf("terminate VM %s (pid %d): %w", rec.Name, pid, err)
	}
	return nil
}

// Wait blocks until the VM process exits or ctx is done.
func (d *Driver) Wait(ctx context.Context, rec *types.VMRecord) error {
	pid, err := utils.ReadPIDFile(d.pidPath(rec.Name))
	if err != nil {
		return fmt.Errorf("read PID for %s: %w", rec.Name, err)
	}
	for utils.IsProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(exitPollDelay):
		}
	}
	return nil
}

// launchProcess starts the cloud-hypervisor binary, writes the PID file,
// waits for the API socket to come up, then releases the process handle so
// the VM lives past this process.
func (d *Driver) launchProcess(ctx context.Context, name, socketPath string) (int, error) {
	logFile, _ := os.Create(d.logPath(name)) //nolint:gosec

	args := append([]string{"--api-socket", socketPath}, d.opts.ExtraArgs...)
	cmd := exec.Command(d.opts.Binary, args...) //nolint:gosec
	// Detach from the parent process group so the VM survives if this
	// process exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close() //nolint:errcheck
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("exec %s: %w", d.opts.Binary, err)
	}
	pid := cmd.Process.Pid

	fail := func(err error) (int, error) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(d.pidPath(name))
		return 0, err
	}

	if err := utils.WritePIDFile(d.pidPath(name), pid); err != nil {
		return fail(fmt.Errorf("write PID file: %w", err))
	}

	if err := utils.WaitFor(ctx, socketWaitTimeout, socketPollDelay, func() (bool, error) {
		if checkSocket(socketPath) == nil {
			return true, nil
		}
		if !utils.IsProcessAlive(pid) {
			return false, fmt.Errorf("%s exited before socket was ready", d.opts.Binary)
		}
		return false, nil
	}); err != nil {
		return fail(fmt.Errorf("wait for socket: %w", err))
	}

	_ = cmd.Process.Release()
	return pid, nil
}

func (d *Driver) cleanupRuntimeFiles(name string) {
	_ = os.Remove(d.socketPath(name))
	_ = os.Remove(d.pidPath(name))
}
