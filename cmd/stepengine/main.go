// Package main provides the CLI entry point for the step engine.
//
// The step engine drives agent step programs: native Go programs compiled
// into the binary or JavaScript programs run in a sandboxed interpreter.
//
// # Basic Usage
//
// Run an agent until its turn ends:
//
//	stepengine run --template echo --prompt "hello"
//
// Inspect the agent templates that would be loaded:
//
//	stepengine templates list --templates-dir ./agents
//
// # Environment Variables
//
//   - STEPENGINE_CONFIG: path to the configuration file
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stepengine",
		Short: "Run agent step programs",
		Long: `stepengine drives agent step programs turn by turn.

Each program yields tool calls, pauses for the model (STEP), or asks to be
left alone until the model reports its steps complete (STEP_ALL). Every tool
call is dispatched, recorded in the agent's transcript and accounted as one
step of the agent run.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildTemplatesCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	return os.Getenv("STEPENGINE_CONFIG")
}
