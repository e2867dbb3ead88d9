package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

var (
	configPath string
	projectID  string
	rootCmd    = &cobra.Command{
		Use:   "testlaunch",
		Short: "Test Run Launcher - dispatch Testiny test cases to GitHub Actions",
		Long: `Test Run Launcher mirrors Testiny projects into local snapshots, lets you
pick automated test cases from the folder tree and dispatches them as
GitHub Actions workflow runs. Each dispatch is correlated with the run it
created and polled until it concludes.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&projectID, "project", "", "Testiny project id (defaults to general.project_id)")
}

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.With("err", err).Error("testlaunch failed")
		os.Exit(1)
	}
}
