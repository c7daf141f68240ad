package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/chrysalis/types"
)

// listConcurrency bounds parallel record loads during List.
const listConcurrency = 8

// Status returns the current record for name. Read-only: no coordination
// token is taken, so the result may trail an in-flight transition but is
// always a committed record.
func (r *Registry) Status(ctx context.Context, name string) (*types.VMRecord, error) {
	return r.getRecord(ctx, name)
}

// List returns a snapshot of all records, sorted by name. A record that
// fails to load or decode is logged and skipped; it never fails the whole
// listing.
func (r *Registry) List(ctx context.Context) ([]*types.VMRecord, error) {
	names, err := r.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var records []*types.VMRecord
	logger := log.WithFunc("registry.List")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for _, name := range names {
		g.Go(func() error {
			rec, err := r.getRecord(gctx, name)
			if err != nil {
				logger.Warnf(gctx, "skip record %s: %v", name, err)
				return nil
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}
