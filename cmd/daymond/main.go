package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/daymonio/daymon-sub001/internal/api"
	"github.com/daymonio/daymon-sub001/internal/config"
	"github.com/daymonio/daymon-sub001/internal/core"
	"github.com/daymonio/daymon-sub001/internal/events"
	"github.com/daymonio/daymon-sub001/internal/logging"
	daymonmcp "github.com/daymonio/daymon-sub001/internal/mcp"
	"github.com/daymonio/daymon-sub001/internal/notify"
	"github.com/daymonio/daymon-sub001/internal/nudge"
	"github.com/daymonio/daymon-sub001/internal/sidecar"
	"github.com/daymonio/daymon-sub001/internal/store"
)

const pingInterval = 15 * time.Second

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	switch cfg.Mode {
	case config.ModeWorker:
		logger := logging.New(cfg.Log.Level)
		if err := runWorker(cfg, logger); err != nil {
			logger.Error("worker exited", "err", err)
			os.Exit(1)
		}
	case config.ModeMCP:
		// stdout carries the MCP protocol.
		logger := logging.NewWriter(os.Stderr, cfg.Log.Level)
		if err := runMCP(cfg, logger); err != nil {
			logger.Error("mcp server error", "err", err)
			os.Exit(1)
		}
	default:
		logger := logging.New(cfg.Log.Level)
		if err := runHost(cfg, logger); err != nil {
			logger.Error("host exited", "err", err)
			os.Exit(1)
		}
	}
}

// runWorker owns the store, the scheduler and the runner, and serves them on a
// loopback port announced through the handshake files.
func runWorker(cfg *config.Config, logger *slog.Logger) error {
	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Worker.RunKeep)
	if err != nil {
		return err
	}
	defer storeInst.Close()

	location := cfg.Location()
	bus := events.NewBus(logger)
	nudges := nudge.NewQueue(nudge.New(cfg.Nudge.App, logger), logger, nudge.WithGap(cfg.Nudge.Gap))
	defer nudges.Stop()

	engine := core.NewCommandEngine(cfg.Worker.EngineBinary, logger, core.WithArgs(core.ClaudeArgs))
	runner := core.NewRunner(storeInst, engine, logger,
		core.WithDefaultTimeout(cfg.Worker.TaskTimeout),
		core.WithEvents(bus),
		core.WithNudges(nudges),
	)
	scheduler := core.NewScheduler(storeInst, runner, logger,
		core.WithPollInterval(cfg.Worker.PollInterval),
		core.WithLocation(location),
	)
	server := api.NewServer(cfg.Worker.AuthToken, storeInst, scheduler, runner, bus, logger, location)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()
	scheduler.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(ln)
	}()

	if err := sidecar.WriteHandshake(cfg.StateDir, port, os.Getpid()); err != nil {
		scheduler.Stop()
		_ = server.Shutdown(ctx)
		return err
	}
	defer func() {
		if err := sidecar.RemoveHandshake(cfg.StateDir); err != nil {
			logger.Warn("remove handshake", "err", err)
		}
	}()
	logger.Info("worker listening", "port", port, "pid", os.Getpid(), "state_dir", cfg.StateDir)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.Ping()
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case <-server.ShutdownRequested():
		logger.Info("shutdown requested over http")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "err", err)
			runErr = err
		}
	}

	scheduler.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	// In-flight runs get their own grace period regardless of how long the
	// HTTP shutdown took.
	runWaitCtx, runWaitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer runWaitCancel()

	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-runWaitCtx.Done():
		logger.Warn("in-flight runs did not finish before the grace period", "running", runner.Running())
	}
	cancel()
	logger.Info("worker stopped")
	return runErr
}

// runHost supervises the worker and turns its task events into notifications.
func runHost(cfg *config.Config, logger *slog.Logger) error {
	dispatcher := notify.NewDispatcher(
		notify.FromConfig(cfg.Notification.Bark.URL, cfg.Notification.Bark.Enabled, logger),
		logger,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	sup := newSupervisor(cfg, logger,
		sidecar.WithEventHandler(dispatcher.HandleEvent),
	)
	if err := sup.Launch(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	sig := <-sigs
	logger.Info("received signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	sup.Shutdown(shutdownCtx)
	logger.Info("host stopped")
	return nil
}

// runMCP serves MCP tools on stdio against the shared worker. The worker is
// left running on exit so other clients keep using it.
func runMCP(cfg *config.Config, logger *slog.Logger) error {
	sup := newSupervisor(cfg, logger)
	if err := sup.Launch(context.Background()); err != nil && !errors.Is(err, sidecar.ErrStopped) {
		// Tools report the worker as unavailable until the next successful launch.
		logger.Warn("launch worker", "err", err)
	}

	mcpServer := daymonmcp.NewMCPServer(sup, logger, cfg.Location())
	return mcpServer.Run()
}

func newSupervisor(cfg *config.Config, logger *slog.Logger, opts ...sidecar.Option) *sidecar.Supervisor {
	args := []string{"-mode", config.ModeWorker, "-state-dir", cfg.StateDir}
	if cfg.UseUTC {
		args = append(args, "-use-utc")
	}
	opts = append(opts, sidecar.WithStateHook(func(from, to sidecar.State) {
		logger.Info("sidecar state", "from", from.String(), "to", to.String())
	}))
	return sidecar.New(sidecar.Config{
		StateDir:       cfg.StateDir,
		Args:           args,
		LogFile:        filepath.Join(cfg.StateDir, "sidecar.log"),
		Token:          cfg.Worker.AuthToken,
		HealthInterval: cfg.Sidecar.HealthInterval,
	}, logger, opts...)
}
