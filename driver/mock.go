package driver

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/projecteru2/chrysalis/types"
)

// compile-time interface check.
var _ Driver = (*Mock)(nil)

// Mock is an in-memory Driver for tests. Each operation counts its calls
// and delegates to the matching hook when set; the zero value succeeds
// everywhere and Wait blocks until the context is done.
type Mock struct {
	StartFunc   func(ctx context.Context, rec *types.VMRecord) error
	ConnectFunc func(ctx context.Context, rec *types.VMRecord) (*ConnectionInfo, error)
	HaltFunc    func(ctx context.Context, rec *types.VMRecord) error
	WaitFunc    func(ctx context.Context, rec *types.VMRecord) error

	StartCalls   atomic.Int64
	ConnectCalls atomic.Int64
	HaltCalls    atomic.Int64
	WaitCalls    atomic.Int64
}

func (m *Mock) Start(ctx context.Context, rec *types.VMRecord) error {
	m.StartCalls.Add(1)
	if m.StartFunc != nil {
		return m.StartFunc(ctx, rec)
	}
	return nil
}

func (m *Mock) EstablishConnection(ctx context.Context, rec *types.VMRecord) (*ConnectionInfo, error) {
	m.ConnectCalls.Add(1)
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, rec)
	}
	return &ConnectionInfo{
		SessionID: uuid.NewString(),
		Name:      rec.Name,
		IP:        rec.Addresses.IP,
		Vsock:     rec.Addresses.Vsock,
	}, nil
}

func (m *Mock) Halt(ctx context.Context, rec *types.VMRecord) error {
	m.HaltCalls.Add(1)
	if m.HaltFunc != nil {
		return m.HaltFunc(ctx, rec)
	}
	return nil
}

func (m *Mock) Wait(ctx context.Context, rec *types.VMRecord) error {
	m.WaitCalls.Add(1)
	if m.WaitFunc != nil {
		return m.WaitFunc(ctx, rec)
	}
	<-ctx.Done()
	return ctx.Err()
}
