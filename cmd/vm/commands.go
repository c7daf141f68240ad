package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations.
type Actions interface {
	Register(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
	Connect(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
	Unregister(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage registered virtual machines",
	}

	registerCmd := &cobra.Command{
		Use:   "register [flags] NAME",
		Short: "Register a new VM record",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Register,
	}
	registerCmd.Flags().String("system-app", "App", "VM class (System|App)")
	registerCmd.Flags().String("run-type", "LongRun", "run type (LongRun|OneShot)")
	registerCmd.Flags().String("ip", "", "IP address (required, unique)")
	registerCmd.Flags().String("vsock", "", "vsock address (required, unique)")
	registerCmd.Flags().String("xdg-run", "", "XDG runtime dir metadata")
	registerCmd.Flags().String("mime-type", "", "MIME type metadata")
	_ = registerCmd.MarkFlagRequired("ip")
	_ = registerCmd.MarkFlagRequired("vsock")

	runCmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Start a registered VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Run,
	}

	connectCmd := &cobra.Command{
		Use:   "connect NAME",
		Short: "Connect to a running VM and print connection info",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Connect,
	}

	stopCmd := &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a running VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Stop,
	}

	statusCmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Show the VM record (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Status,
	}

	unregisterCmd := &cobra.Command{
		Use:   "unregister NAME",
		Short: "Remove a registered or stopped VM record",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Unregister,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all VM records",
		RunE:    h.List,
	}

	vmCmd.AddCommand(
		registerCmd,
		runCmd,
		connectCmd,
		stopCmd,
		statusCmd,
		unregisterCmd,
		listCmd,
	)
	return vmCmd
}
