package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/localmind"
	"github.com/spf13/cobra"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the localmind daemon",
		Long: `Run the daemon: serve the HTTP API and, unless [server].auto_start is false,
check the model runtime installation, start the automation server, wait for it
to become healthy and start the tunnel.

Every setting can also be given as LOCALMIND_<SECTION>_<KEY>.

Examples:
  localmind serve
  localmind serve localmind.toml
  localmind serve --daemonize --pidfile /run/localmind.pid --logfile /var/log/localmind.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	cfg, err := localmind.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("--daemonize is not supported on this platform")
		}
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closer := localmind.NewLogger(cfg, os.Stderr)
	defer func() { _ = closer.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := localmind.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("localmind starting", "data_dir", cfg.DataDir, "store", redactDSN(cfg.Store.DSN))
	err = d.Run(ctx)
	log.Info("localmind stopped")
	return err
}
