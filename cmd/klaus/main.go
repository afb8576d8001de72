// Package main is the klaus CLI: an autonomous coding agent runtime with
// an HTTP and WebSocket control surface.
//
// Start the server:
//
//	klaus serve --config klaus.yaml
//
// Run a single prompt without the server:
//
//	klaus prompt "add a README to this project"
//
// All tunables are also available as KLAUS_* environment variables; the
// environment wins over the config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/agent/providers"
	"github.com/haasonsaas/klaus/internal/approval"
	"github.com/haasonsaas/klaus/internal/backoff"
	"github.com/haasonsaas/klaus/internal/config"
	"github.com/haasonsaas/klaus/internal/events"
	"github.com/haasonsaas/klaus/internal/gateway"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/store"
	"github.com/haasonsaas/klaus/internal/tools/files"
	"github.com/haasonsaas/klaus/internal/tools/gittools"
	"github.com/haasonsaas/klaus/internal/tools/memory"
	"github.com/haasonsaas/klaus/internal/tools/shell"
)

// Populated by the linker at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "klaus",
		Short:        "klaus - autonomous coding agent runtime",
		Long:         "klaus runs an LLM-driven coding agent against a local workspace,\nwith session persistence, patch approvals, and an HTTP/WebSocket API.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildPromptCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "klaus %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// runtime bundles everything the serve and prompt commands share.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	store   *store.Store
	bus     *events.Bus
	broker  *approval.Broker
	loop    *agent.Loop

	shutdownTracer func(context.Context) error
}

func (rt *runtime) close(ctx context.Context) {
	if rt.shutdownTracer != nil {
		if err := rt.shutdownTracer(ctx); err != nil {
			rt.logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn(ctx, "store close failed", "error", err)
	}
}

// buildRuntime assembles the full agent stack from configuration.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "klaus",
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
	})

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := events.NewBus(logger, metrics)
	broker := approval.NewBroker(cfg.PatchApprovalTimeout, logger, metrics)
	runner := gittools.NewRunner(cfg.WorkspaceDir)

	registry := agent.NewRegistry()
	if err := registerTools(registry, cfg, st, broker, bus, runner); err != nil {
		st.Close()
		return nil, err
	}
	dispatcher := agent.NewDispatcher(registry, st, logger, metrics, tracer)

	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.APIKey,
		DefaultModel: cfg.Model,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	loop := agent.NewLoop(agent.Config{
		Model:                 cfg.Model,
		SummaryModel:          cfg.SummaryModel,
		AllowedModels:         cfg.AllowedModels,
		MaxTokens:             cfg.MaxTokens,
		MaxContextMessages:    cfg.MaxContextMessages,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		MaxPromptChars:        cfg.MaxPromptChars,
		MaxToolCalls:          cfg.MaxToolCalls,
		MaxToolOutputContext:  cfg.MaxToolOutputContext,
		TokenBudget:           cfg.TokenBudget,
		APIRetryCount:         cfg.APIRetryCount,
		RetryPolicy: backoff.Policy{
			InitialMs: float64(cfg.APIRetryDelay.Milliseconds()),
			MaxMs:     float64(cfg.APIRetryMaxDelay.Milliseconds()),
			Factor:    2,
			Jitter:    0.1,
		},
	}, st, provider, registry, dispatcher, bus, logger, metrics, cfg.WorkspaceDir)
	loop.EnsureRepo = runner.EnsureRepo
	loop.StagedDiff = runner.StagedDiff

	return &runtime{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		store:          st,
		bus:            bus,
		broker:         broker,
		loop:           loop,
		shutdownTracer: shutdownTracer,
	}, nil
}

// registerTools wires the complete tool surface into the registry.
func registerTools(registry *agent.Registry, cfg *config.Config, st *store.Store, broker *approval.Broker, bus *events.Bus, runner *gittools.Runner) error {
	fileCfg := files.Config{
		Workspace:       cfg.WorkspaceDir,
		RequireApproval: cfg.RequirePatchApproval,
		Approvals:       broker,
		Bus:             bus,
	}
	tools := []agent.Tool{
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewListTool(fileCfg),
		files.NewSearchTool(fileCfg),
		files.NewApplyPatchTool(fileCfg),
		files.NewDeleteTool(fileCfg),
		shell.NewRunTool(shell.Config{Workspace: cfg.WorkspaceDir}),
		gittools.NewStatusTool(runner),
		gittools.NewDiffTool(runner),
		gittools.NewCheckpointTool(runner),
		memory.NewGetTool(st),
		memory.NewSetTool(st),
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool %s: %w", tool.Name(), err)
		}
	}
	return nil
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer rt.close(context.Background())

			server := gateway.NewServer(cfg, rt.store, rt.loop, rt.bus, rt.broker, rt.logger, rt.metrics, rt.tracer)
			if _, err := exec.LookPath("docker"); err == nil {
				server.RegisterHealthCheck("docker", dockerCheck)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			rt.logger.Info(context.Background(), "shutting down")
			return server.Shutdown(context.Background())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// dockerCheck probes the local docker daemon. Registered only when the
// docker binary is installed.
func dockerCheck(ctx context.Context) error {
	return exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Run()
}

func buildPromptCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		model      string
	)
	cmd := &cobra.Command{
		Use:   "prompt <message>",
		Short: "Run a single prompt against the workspace and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := rt.loop.Run(ctx, agent.RunRequest{
				SessionID: sessionID,
				Prompt:    args[0],
				Model:     model,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Response)
			fmt.Fprintf(cmd.ErrOrStderr(), "session=%s tools=%d tokens=%d cost=$%.4f\n",
				result.SessionID, result.ToolCallsCount,
				result.TokenUsage.TotalTokens, result.TokenUsage.EstimatedCostUSD)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to continue (default: new session)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this run")
	return cmd
}
