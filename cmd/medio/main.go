package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createCheckCommand(globalFlags),
		createStatusCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "medio",
		Short: "Rename incoming media into a dated library",
		Long: `Medio watches a source directory and files every accepted media file into a
date-patterned target tree using a single resident exiftool process.

Examples:
  medio serve --config=medio.toml   # Run the daemon
  medio check --config=medio.toml   # Validate config and directories
  medio status --config=medio.toml  # Query a running daemon`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the medio daemon",
		Long: `Start the exiftool helper and scan the source directory until interrupted.
MEDIO_* environment variables override values from the config file.

Examples:
  medio serve --config=/etc/medio.toml
  medio serve medio.toml --log-level=debug`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), *serveFlags, args, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&serveFlags.LogLevel, "log-level", "", "override log.level from the config")
	return cmd
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [config.toml]",
		Short: "Validate the configuration without starting anything",
		Long: `Load the configuration, then verify the helper installation and the source and
target directories. Every problem found is reported.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(CheckFlags{ConfigPath: globalFlags.ConfigPath}, args, cmd.OutOrStdout())
		},
	}
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	statusFlags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		Long: `Query the status server of a running daemon. The address comes from --api-url,
or from [server] in the config file.

Examples:
  medio status --config=medio.toml
  medio status --api-url=http://127.0.0.1:9466/api --health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlags.ConfigPath = globalFlags.ConfigPath
			return runStatus(*statusFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&statusFlags.Health, "health", false, "only report health")
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:9466/api)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the medio version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "medio", version)
		},
	}
}
