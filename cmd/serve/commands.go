package serve

import "github.com/spf13/cobra"

// Actions defines the server operation.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
}

// Command builds the "serve" command.
func Command(h Actions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP lifecycle API",
		RunE:  h.Serve,
	}
}
