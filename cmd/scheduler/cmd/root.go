package cmd

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/internal/scheduler"
	"github.com/flotillaproject/flotilla/internal/scheduler/app"
)

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "scheduler assigns compute sessions to worker agents.",
		RunE:  runScheduler,
	}
	cmd.PersistentFlags().StringSlice(
		"config",
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or give commma separated values)")
	return cmd
}

func runScheduler(cmd *cobra.Command, args []string) error {
	overrides, err := cmd.Flags().GetStringSlice("config")
	if err != nil {
		return err
	}

	var config scheduler.Configuration
	common.LoadConfig(&config, "./config/scheduler", overrides)
	log.Infof("starting with config %+v", config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, config)
}
