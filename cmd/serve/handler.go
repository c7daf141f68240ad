package serve

import (
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/chrysalis/cmd/core"
	"github.com/projecteru2/chrysalis/server"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Serve runs the HTTP server until the command context is cancelled.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	reg, st, err := cmdcore.InitRegistry(ctx, conf)
	if err != nil {
		return err
	}
	defer st.Close()  //nolint:errcheck
	defer reg.Close() //nolint:errcheck

	srv := server.New(server.Config{
		Registry: reg,
		Listen:   conf.Listen,
	})
	return srv.Serve(ctx)
}
