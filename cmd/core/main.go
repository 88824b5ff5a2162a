// Package main provides coachsync, the command line entry point of the sync
// core. It serves the desktop bridge and inspects the local queue.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coachcoreai/coachcore/backend/internal/config"
	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/services"
)

// Version is set at build time
var Version = "0.1.0"

// app carries state shared by subcommands.
type app struct {
	configFile string
	envFile    string
	dataDir    string
	jsonOutput bool
	noColor    bool

	cfg *config.Config
	svc *services.SyncService
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// execute runs the command line in args, writing command output to out.
func execute(ctx context.Context, args []string, out io.Writer) error {
	a := &app{}
	defer a.close()

	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coachsync",
		Short: "Coach Core offline sync queue",
		Long: `coachsync runs and inspects the offline mutation queue of Coach Core.

Local changes are queued durably and applied to the remote store in order
once the device is online. Conflicts and permanent failures are kept for
review.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file (default .env)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "local data directory")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print JSON")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colour output")

	root.AddCommand(
		newVersionCmd(),
		a.newServeCmd(),
		a.newStatusCmd(),
		a.newSyncCmd(),
		a.newQueueCmd(),
		a.newConflictsCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.noColor {
		color.NoColor = true
	}
	if cmd.Annotations["skipSetup"] == "true" {
		return nil
	}

	cfg, err := config.Load(config.Options{ConfigFile: a.configFile, EnvFile: a.envFile})
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if err := logging.Init(logging.Config{Level: logging.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON, OutputPaths: []string{"stderr"}}); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	svc, err := services.NewSyncService(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.svc = svc
	return nil
}

func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
		a.svc = nil
	}
	logging.Sync()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"skipSetup": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coachsync v%s\n", Version)
		},
	}
}
