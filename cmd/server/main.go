package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentbridge/internal/config"
	"agentbridge/internal/logging"
	"agentbridge/internal/orchestrator"
	"agentbridge/internal/realtime"
	"agentbridge/internal/store"
	"agentbridge/internal/strategy"
	"agentbridge/internal/watcher"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile  string
	port     int
	provider string
	dataDir  string
)

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "Chat bridge to an AI coding CLI",
	Long: `agentbridge runs one AI coding CLI (Claude Code, Gemini, Codex, opencode)
behind a websocket chat interface. It drives the CLI's login flow, streams
prompt output to the connected client and keeps the conversation on disk.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (default 3100)")
	rootCmd.Flags().StringVar(&provider, "provider", "", fmt.Sprintf("agent backend (%v)", strategy.Known()))
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for messages.json and model.json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgFile, &config.Config{Port: port, Provider: provider, DataDir: dataDir})
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	strat, err := strategy.Resolve(cfg.Provider, strategy.Options{
		ConfigDir:        cfg.ConfigDirFor(cfg.Provider),
		PlaygroundDir:    cfg.PlaygroundDir,
		OpencodeProvider: cfg.Backends.OpencodeProvider,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		return err
	}
	builder, err := orchestrator.NewPromptBuilder(cfg.History, cfg.HistoryTurns)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	conv, err := store.OpenConversation(cfg.MessagesPath(), logger)
	if err != nil {
		return err
	}
	models := store.NewModelPreference(cfg.ModelPath(), cfg.DefaultModel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The realtime server is the orchestrator's emitter, so it is created
	// first and attached once the orchestrator exists.
	rtServer := realtime.New(conv, realtime.Options{
		Password:     cfg.Password,
		StaticDir:    cfg.StaticDir,
		ModelOptions: cfg.ModelOptions,
		Logger:       logger,
	})
	orch := orchestrator.New(ctx, orchestrator.Config{
		Strategy:     strat,
		Conversation: conv,
		Models:       models,
		Emitter:      rtServer,
		Prompt:       builder,
		SystemPrompt: systemPrompt,
		Logger:       logger,
	})
	rtServer.Attach(orch)

	if caps := strat.Capabilities(); caps.CredentialDir != "" && cfg.WatchEnabled() {
		dir := caps.CredentialDir
		credWatch := watcher.New(watcher.Config{
			Dir:      dir,
			Files:    caps.CredentialFiles,
			OnChange: func() { orch.RefreshAuthStatus(ctx) },
			Logger:   logger,
		})
		if err := credWatch.Start(); err != nil {
			// Non-fatal: auth state is still probed on demand.
			logger.Warn("credential watcher disabled", "dir", dir, "error", err)
		} else {
			defer credWatch.Close()
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "backend", strat.Name())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	orch.Wait()
	return nil
}
