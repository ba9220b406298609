package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/stepengine/internal/config"
	"github.com/haasonsaas/stepengine/internal/engine"
	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/steps"
	"github.com/haasonsaas/stepengine/internal/templates"
	"github.com/haasonsaas/stepengine/internal/transport/local"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// runAgent handles the run command.
func runAgent(cmd *cobra.Command, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg.Templates.Dirs = append(cfg.Templates.Dirs, opts.templateDirs...)
	if opts.maxSteps > 0 {
		cfg.Engine.MaxSteps = opts.maxSteps
	}

	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			rt.logger.Warn(closeCtx, "shutdown finished with errors", "error", err)
		}
	}()

	tmpl, ok := rt.templates.Get(opts.templateID)
	if !ok {
		return fmt.Errorf("unknown agent template %q", opts.templateID)
	}
	validator := templates.NewValidator(cfg.Templates.SchemaCacheSize)
	if err := validator.Validate(tmpl, opts.prompt, params); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	channel, err := local.New(opts.projectRoot, out)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return rt.serveMetrics(metricsCtx)
		})
	}

	var res *engine.Result
	g.Go(func() error {
		defer stopMetrics()
		var err error
		res, err = runTurn(gctx, rt, tmpl, channel, opts, params)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return printResult(cmd, rt, res, opts.showJSON)
}

// runTurn starts the root run and drives the agent until its turn ends.
func runTurn(ctx context.Context, rt *runtime, tmpl *templates.AgentTemplate, channel *local.Channel, opts runOptions, params map[string]any) (*engine.Result, error) {
	state := models.NewAgentState(tmpl.ID)
	runID, err := rt.ledger.StartRun(ctx, steps.RunStart{
		UserID:    opts.userID,
		AgentID:   state.AgentID,
		AgentType: tmpl.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	state.RunID = runID

	userInputID := uuid.NewString()
	ctx = observability.AddUserInputID(ctx, userInputID)
	rt.logger.Info(ctx, "starting agent", "agent_type", tmpl.ID, "agent_id", state.AgentID, "run_id", runID)

	return rt.engine.RunToCompletion(ctx, state, engine.TurnInputs{
		Template:        tmpl,
		Prompt:          opts.prompt,
		Params:          params,
		UserID:          opts.userID,
		UserInputID:     userInputID,
		ClientSessionID: uuid.NewString(),
		FingerprintID:   "cli",
		FileContext: models.FileContext{
			ProjectRoot: channel.Root(),
			Cwd:         channel.Root(),
		},
		Channel: channel,
		OnResponseChunk: func(chunk string) {
			rt.logger.Debug(ctx, "response chunk", "chunk", chunk)
		},
	})
}

func parseParams(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}
	return params, nil
}

// printResult writes the assistant messages, the run summary and, when
// asked, the final state. A failed agent is returned as an error.
func printResult(cmd *cobra.Command, rt *runtime, res *engine.Result, showJSON bool) error {
	out := cmd.OutOrStdout()
	state := res.AgentState

	if showJSON {
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		for _, msg := range state.History().Snapshot() {
			if msg.Role == models.RoleAssistant {
				fmt.Fprintln(out, msg.Content)
			}
		}
	}

	status := "unknown"
	if run, err := rt.ledger.GetRun(cmd.Context(), state.RunID); err == nil && run != nil {
		status = string(run.Status)
	}
	fmt.Fprintf(out, "run %s %s: %d steps, %d credits, %d child runs\n",
		state.RunID, status, res.StepNumber, state.DirectCreditsUsed, len(state.ChildRunIDs))

	if msg := state.Error(); msg != "" {
		return errors.New(msg)
	}
	return nil
}

// runTemplatesList handles templates list.
func runTemplatesList(cmd *cobra.Command, configPath string, dirs []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Templates.Dirs = append(cfg.Templates.Dirs, dirs...)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	reg, err := newTemplateRegistry(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tPROGRAM\tDESCRIPTION")
	for _, tmpl := range reg.List() {
		kind := "-"
		if tmpl.HasStepProgram() {
			kind = string(tmpl.HandleSteps.Kind())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", tmpl.ID, tmpl.Source, kind, tmpl.Description)
	}
	return w.Flush()
}

// runTemplatesValidate handles templates validate.
func runTemplatesValidate(cmd *cobra.Command, paths []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range paths {
		tmpl, err := templates.ParseTemplateFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s)\n", path, tmpl.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d templates invalid", failed, len(paths))
	}
	return nil
}

// runConfigSchema handles config schema.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runConfigValidate handles config validate.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if strings.TrimSpace(configPath) == "" {
		return fmt.Errorf("config path is required (pass a file or set STEPENGINE_CONFIG)")
	}
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
	return nil
}
