package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Run Command
// =============================================================================

type runOptions struct {
	configPath   string
	templateID   string
	prompt       string
	params       string
	templateDirs []string
	projectRoot  string
	userID       string
	maxSteps     int
	showJSON     bool
}

func buildRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent until its turn ends",
		Long: `Run an agent template against a prompt.

The agent's step program is ticked until it ends the turn. Between ticks the
steps are reported complete, so a program waiting in STEP_ALL continues on
the next tick. Client tools (read_files, run_terminal_command) run locally
inside --project-root.`,
		Example: `  stepengine run --template echo --prompt "hello"
  stepengine run --template delegator --prompt "plan it" --params '{"agent_type":"planner"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVarP(&opts.templateID, "template", "t", "", "Agent template id")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Prompt for the agent")
	cmd.Flags().StringVar(&opts.params, "params", "", "Agent params as a JSON object")
	cmd.Flags().StringSliceVar(&opts.templateDirs, "templates-dir", nil, "Additional template directory (repeatable)")
	cmd.Flags().StringVar(&opts.projectRoot, "project-root", ".", "Directory client tools run in")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User id recorded with the run")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "Override the maximum number of ticks")
	cmd.Flags().BoolVar(&opts.showJSON, "json", false, "Print the final agent state as JSON")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

// =============================================================================
// Templates Commands
// =============================================================================

func buildTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect agent templates",
		Long: `Inspect agent templates.

Templates are the builtins compiled into the binary plus every AGENT.md or
*.agent.md file found under the configured template directories.`,
	}
	cmd.AddCommand(
		buildTemplatesListCmd(),
		buildTemplatesValidateCmd(),
	)
	return cmd
}

func buildTemplatesListCmd() *cobra.Command {
	var configPath string
	var dirs []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available agent templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTemplatesList(cmd, configPath, dirs)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringSliceVar(&dirs, "templates-dir", nil, "Additional template directory (repeatable)")
	return cmd
}

func buildTemplatesValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Parse template files and report errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTemplatesValidate(cmd, args)
		},
	}
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		buildConfigSchemaCmd(),
		buildConfigValidateCmd(),
	)
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				configPath = args[0]
			}
			return runConfigValidate(cmd, configPath)
		},
		Args: cobra.MaximumNArgs(1),
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stepengine %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
