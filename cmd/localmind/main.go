package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createTunnelCommand(flags),
		createAutomationCommand(flags),
		createModelsCommand(flags),
		createPullCommand(flags),
		createHardwareCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "localmind",
		Short: "Local automation server, model runtime and tunnel supervisor",
		Long: `localmind supervises a local workflow automation server, a local model
runtime and a Cloudflare tunnel that exposes the automation server publicly.

Examples:
  localmind serve --config localmind.toml   # run the daemon
  localmind status                          # aggregated status
  localmind tunnel start --token <token>    # named tunnel
  localmind pull llama3                     # download a model`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default http://127.0.0.1:7878/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON output")
	return root
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	var sf StatusFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long: `Show whether the automation server is ready, the tunnel is up (with its
public URL) and the model runtime is reachable.

Examples:
  localmind status
  localmind status --detailed
  localmind status --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(flags, cmd.OutOrStdout()).Status(cmd.Context(), sf)
		},
	}
	cmd.Flags().BoolVar(&sf.Detailed, "detailed", false, "include PIDs, exit codes and retry state")
	cmd.Flags().BoolVar(&sf.Watch, "watch", false, "follow the status stream")
	return cmd
}

func createTunnelCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Control the Cloudflare tunnel",
	}

	var tf TunnelFlags
	start := &cobra.Command{
		Use:   "start",
		Short: "Start or restart the tunnel",
		Long: `Start or restart the tunnel. Without --token the saved token is used;
with no saved token a quick tunnel with a trycloudflare.com address is created.

Examples:
  localmind tunnel start
  localmind tunnel start --token eyJh...
  localmind tunnel start --quick`,
		RunE: func(c *cobra.Command, args []string) error {
			tf.TokenSet = c.Flags().Changed("token")
			return newCommand(flags, c.OutOrStdout()).TunnelStart(c.Context(), tf)
		},
	}
	start.Flags().StringVar(&tf.Token, "token", "", "tunnel token for a named tunnel")
	start.Flags().BoolVar(&tf.Quick, "quick", false, "force a quick tunnel, ignoring the saved token")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel and cancel any pending retry",
		RunE: func(c *cobra.Command, args []string) error {
			return newCommand(flags, c.OutOrStdout()).TunnelStop(c.Context())
		},
	}

	token := &cobra.Command{
		Use:   "token [token]",
		Short: "Save the tunnel token used by future starts (empty clears it)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			value := ""
			if len(args) == 1 {
				value = args[0]
			}
			return newCommand(flags, c.OutOrStdout()).TunnelToken(c.Context(), value)
		},
	}

	cmd.AddCommand(start, stop, token)
	return cmd
}

func createAutomationCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automation",
		Short: "Control the workflow automation server",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the automation server (no-op when running)",
			RunE: func(c *cobra.Command, args []string) error {
				return newCommand(flags, c.OutOrStdout()).AutomationStart(c.Context())
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the automation server",
			RunE: func(c *cobra.Command, args []string) error {
				return newCommand(flags, c.OutOrStdout()).AutomationStop(c.Context())
			},
		},
	)
	return cmd
}

func createModelsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed in the model runtime",
		RunE: func(c *cobra.Command, args []string) error {
			return newCommand(flags, c.OutOrStdout()).Models(c.Context())
		},
	}
}

func createPullCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [model]",
		Short: "Download a model, defaulting to the one recommended for this machine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			model := ""
			if len(args) == 1 {
				model = args[0]
			}
			return newCommand(flags, c.OutOrStdout()).Pull(c.Context(), model)
		},
	}
}

func createHardwareCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "hardware",
		Short: "Show the hardware profile and recommended model",
		RunE: func(c *cobra.Command, args []string) error {
			return newCommand(flags, c.OutOrStdout()).Hardware(c.Context())
		},
	}
}
