package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/chrysalis/cmd/core"
	cmdserve "github.com/projecteru2/chrysalis/cmd/serve"
	cmdvm "github.com/projecteru2/chrysalis/cmd/vm"
	"github.com/projecteru2/chrysalis/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chrysalis",
		Short: "Chrysalis - VM lifecycle registry",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory")
	cmd.PersistentFlags().String("listen", "", "HTTP listen address")
	cmd.PersistentFlags().String("store-backend", "", "record store backend (file|redis)")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("listen", cmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("store.backend", cmd.PersistentFlags().Lookup("store-backend"))

	viper.SetEnvPrefix("CHRYSALIS")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }

	cmd.AddCommand(cmdvm.Command(cmdvm.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}))
	cmd.AddCommand(cmdserve.Command(cmdserve.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}))

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Normalize(); err != nil {
		return err
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
