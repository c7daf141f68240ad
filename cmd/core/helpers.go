// Package core holds shared plumbing for command handlers.
package core

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/projecteru2/chrysalis/config"
	"github.com/projecteru2/chrysalis/driver"
	"github.com/projecteru2/chrysalis/driver/chv"
	"github.com/projecteru2/chrysalis/registry"
	"github.com/projecteru2/chrysalis/store"
	storefile "github.com/projecteru2/chrysalis/store/file"
	storeredis "github.com/projecteru2/chrysalis/store/redis"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitStore builds the configured record store backend.
func InitStore(ctx context.Context, conf *config.Config) (store.Store, error) {
	switch conf.Store.Backend {
	case config.StoreBackendRedis:
		st, err := storeredis.New(ctx, storeredis.Options{
			Addr:     conf.Store.Redis.Addr,
			Password: conf.Store.Redis.Password,
			DB:       conf.Store.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		return st, nil
	default:
		st, err := storefile.New(conf.VMStoreDir())
		if err != nil {
			return nil, fmt.Errorf("init file store: %w", err)
		}
		return st, nil
	}
}

// InitRegistry builds the store, the driver and the registry on top.
func InitRegistry(ctx context.Context, conf *config.Config) (*registry.Registry, store.Store, error) {
	st, err := InitStore(ctx, conf)
	if err != nil {
		return nil, nil, err
	}

	var drv driver.Driver
	drv, err = chv.New(chv.Options{
		Binary:          conf.Driver.Binary,
		RunDir:          conf.DriverRunDir(),
		ExtraArgs:       conf.Driver.ExtraArgs,
		StopGracePeriod: conf.StopGracePeriod(),
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("init driver: %w", err)
	}

	reg := registry.New(st, drv, registry.Options{
		LockTimeout:   conf.LockTimeout(),
		StoreTimeout:  conf.StoreTimeout(),
		DriverTimeout: conf.DriverTimeout(),
		CASRetries:    conf.Registry.CASRetries,
	})
	return reg, st, nil
}
