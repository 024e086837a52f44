package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/api"
	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/config"
	"github.com/dentix-ortho/goaltest-server/packages/execution"
	"github.com/dentix-ortho/goaltest-server/packages/store"
	"github.com/dentix-ortho/goaltest-server/packages/stream"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "goaltest-server",
	Short: "Run goal tests and stream their progress",
	Long: `goaltest-server launches the goal-test runner, parses its output into
live progress and conversation events, and streams them together with the
persisted results to dashboard clients.`,
	SilenceUsage: true,
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "goaltest.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides config and PORT)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goaltest-server version %s\n", version)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, configPath string) error {
	log, err := common.NewLogger(cfg.Server.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		log.Error("Failed to open store", zap.String("path", cfg.Store.Path), zap.Error(err))
		return err
	}
	defer st.Close()

	presetPath := configPath
	if _, err := os.Stat(configPath); err != nil {
		presetPath = ""
	}
	presets := config.NewPresetWatcher(presetPath, cfg.Sandboxes, log.With(zap.String("component", "presets")))
	if err := presets.Start(ctx); err != nil {
		log.Warn("Sandbox presets will not hot-reload", zap.Error(err))
	}

	controller := execution.NewController(execution.ControllerOptions{
		Registry:  execution.NewRegistry(),
		Launcher:  execution.NewLauncher(cfg.Runner, cfg.Tenant.DefaultID, presets, st),
		Spawner:   execution.NewShellSpawner(log.With(zap.String("component", "runner"))),
		Recorder:  st,
		Execution: cfg.Execution,
		Log:       log.With(zap.String("component", "execution")),
	})
	live := stream.NewManager(st, cfg.Stream, log.With(zap.String("component", "live")))
	defer live.Close()

	log.Info("Configuration loaded",
		zap.String("runner", cfg.Runner.Command),
		zap.String("workdir", cfg.Runner.Workdir),
		zap.String("store", cfg.Store.Path),
		zap.Int("sandboxes", len(cfg.Sandboxes)))

	h := api.NewHandler(log, controller, live, presets)
	return api.RunServer(ctx, log, cfg.Server.Port, h)
}

func main() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.SetVersionTemplate(`{{printf "goaltest-server version %s\n" .Version}}`)
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
