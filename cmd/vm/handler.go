package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/chrysalis/cmd/core"
	"github.com/projecteru2/chrysalis/registry"
	"github.com/projecteru2/chrysalis/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initRegistry is the shared init for all lifecycle verbs.
func (h Handler) initRegistry(cmd *cobra.Command) (context.Context, *registry.Registry, func(), error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, st, err := cmdcore.InitRegistry(ctx, conf)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, reg, func() {
		_ = reg.Close()
		_ = st.Close()
	}, nil
}

func (h Handler) Register(cmd *cobra.Command, args []string) error {
	ctx, reg, closeStore, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	systemApp, _ := cmd.Flags().GetString("system-app")
	runType, _ := cmd.Flags().GetString("run-type")
	ip, _ := cmd.Flags().GetString("ip")
	vsock, _ := cmd.Flags().GetString("vsock")
	xdgRun, _ := cmd.Flags().GetString("xdg-run")
	mimeType, _ := cmd.Flags().GetString("mime-type")

	rec, err := reg.Register(ctx, &types.VMRecord{
		Name: args[0],
		VMType: types.VMType{
			SystemApp: types.SystemApp(systemApp),
			RunType:   types.RunType(runType),
		},
		Addresses: types.Addresses{IP: ip, Vsock: vsock},
		XDGRun:    xdgRun,
		MIMEType:  mimeType,
	})
	if err != nil {
		return err
	}
	log.WithFunc("cmd.register").Infof(ctx, "VM registered: %s (state: %s, version: %d)", rec.Name, rec.State, rec.Version)
	return nil
}

func (h Handler) Run(cmd *cobra.Command, args []string) error {
	ctx, reg, closeStore, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := reg.Run(ctx, args[0]); err != nil {
		return fmt.Errorf("run VM %s: %w", args[0], err)
	}
	log.WithFunc("cmd.run").Infof(ctx, "VM running: %s", args[0])
	return nil
}

func (h Handler) Connect(cmd *cobra.Command, args []string) error {
	ctx, reg, closeStore, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	info, err := reg.Connect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("connect VM %s: %w", args[0], err)
	}
	return printJSON(info)
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, reg, closeStore, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := reg.Stop(ctx, args[0]); err != nil {
		return fmt.Errorf("stop VM %s: %w", args[0], err)
	}
	log.WithFunc("cmd.stop").Infof(ctx, "VM stopped: %s", args[0])
	return nil
}

func (h Handler) Status(cmd *cobra.Command, args []string) error {
	ctx, reg, closeStore, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := reg.Status(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func (h Handler) Unregister(cmd *cobra.Command, args []string) error {
	ctx, reg, closeStore, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := reg.Unregister(ctx, args[0]); err != nil {
		return fmt.Errorf("unregister VM %s: %w", args[0], err)
	}
	log.WithFunc("cmd.unregister").Infof(ctx, "VM unregistered: %s", args[0])
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, reg, closeStore, err := h.initRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := reg.List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No VMs registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tIP\tVSOCK\tAGE")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
			rec.Name,
			rec.VMType.SystemApp,
			rec.VMType.RunType,
			rec.State,
			rec.Addresses.IP,
			rec.Addresses.Vsock,
			units.HumanDuration(time.Since(rec.CreatedAt)),
		)
	}
	return w.Flush()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
