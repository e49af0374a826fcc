// Validity validation engine: runs the agent pipeline behind a REST API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Build-time version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "validity-engine",
		Short:         "Business idea validation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			// run prints the report on stdout.
			out := os.Stdout
			if cmd.Name() == "run" {
				out = os.Stderr
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (default ./engine.yaml if present)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().String("db", "", "SQLite database path")
	root.PersistentFlags().String("roles", "", "YAML file overriding the built-in agent roles")
	root.PersistentFlags().String("model", "", "Anthropic model name")
	root.PersistentFlags().Bool("bedrock", false, "Call the model through AWS Bedrock")
	_ = v.BindPFlag("db_path", root.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("roles_file", root.PersistentFlags().Lookup("roles"))
	_ = v.BindPFlag("model.name", root.PersistentFlags().Lookup("model"))
	_ = v.BindPFlag("model.use_bedrock", root.PersistentFlags().Lookup("bedrock"))

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newRunCommand(v))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Validity Engine\n")
			fmt.Printf("  Version:    %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Built:      %s\n", date)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
