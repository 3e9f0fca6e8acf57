package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/pagewright/internal/bus"
	"github.com/user/pagewright/internal/config"
	ctxengine "github.com/user/pagewright/internal/context"
	"github.com/user/pagewright/internal/gateway"
	"github.com/user/pagewright/internal/httpapi"
	"github.com/user/pagewright/internal/runtime"
	"github.com/user/pagewright/internal/runtime/tools"
	"github.com/user/pagewright/internal/state"
	"github.com/user/pagewright/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pagewright server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const shutdownTimeout = 30 * time.Second

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "pagewright.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func openHistory(ctx context.Context, cfg *config.Config) (types.HistoryStore, error) {
	switch cfg.History.Driver {
	case "", "sqlite":
		h, err := state.NewSQLiteHistory(ctx, filepath.Join(cfg.DataDir, "history.db"))
		if err != nil {
			return nil, err
		}
		return h, nil
	case "jsonl":
		return state.NewJSONLHistory(cfg.DataDir), nil
	}
	return nil, fmt.Errorf("unknown history driver %q", cfg.History.Driver)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP shuts down like SIGTERM, then re-executes the binary.
	ctx, restart := context.WithCancelCause(ctx)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		if _, ok := <-hup; ok {
			slog.Info("received SIGHUP, restarting")
			restart(errRestart)
		}
	}()

	// Stores
	history, err := openHistory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer history.Close()
	components := state.NewComponentStore(cfg.DataDir)

	// LLM provider
	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	// Prompt assembly
	var prompt string
	if cfg.LLM.PromptFile != "" {
		data, err := os.ReadFile(cfg.LLM.PromptFile)
		if err != nil {
			return fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(data)
	}
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, prompt)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	// Tool registry
	registry := runtime.NewRegistry()
	if err := registry.Register(tools.Components(components)...); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	if err := registry.Register(tools.NewFetchReference()); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	rt := runtime.New(provider, registry, cfg.MaxIterations, cfg.LLM.MaxTokens)
	events := bus.New(cfg.Buffer.TTL.Std())
	gw := gateway.New(events, rt, engine, history, components, int64(cfg.MaxConcurrent))
	gw.Start(ctx)

	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           httpapi.NewServer(gw, cfg.PublicURL()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("pagewright started",
		"data_dir", cfg.DataDir,
		"listen", cfg.HTTP.Listen,
		"max_concurrent", cfg.MaxConcurrent,
		"max_iterations", rt.MaxIterations(),
		"buffer_ttl", cfg.Buffer.TTL,
		"history", cfg.History.Driver,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"tools", registry.Names(),
		"pid_file", pidPath,
	)

	// The sweeper outlives the gateway so interrupted tasks can still
	// append their final event.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return events.Run(sweepCtx, cfg.Buffer.SweepInterval.Std())
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Interrupted tasks end with an error event and are still persisted.
		gw.Stop()
		stopSweep()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(context.Cause(ctx), errRestart) {
		return reexec(pidPath, history)
	}
	return nil
}

var errRestart = errors.New("restart requested")

// reexec replaces the process with a fresh copy of the binary. Deferred
// cleanup does not run across exec, so the history store is closed here.
func reexec(pidPath string, history types.HistoryStore) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	os.Remove(pidPath)
	if err := history.Close(); err != nil {
		slog.Warn("close history before restart", "error", err)
	}
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
