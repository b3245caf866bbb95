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
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/hexe/internal/config"
	"github.com/user/hexe/internal/delivery"
	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/scheduler"
	"github.com/user/hexe/internal/server"
	"github.com/user/hexe/internal/telegram"
	"github.com/user/hexe/internal/types"
)

const pidFileName = "hexe.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hexe daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// cleanup runs teardown steps once, most recently added first.
type cleanup struct {
	once  sync.Once
	steps []func()
}

func (c *cleanup) add(fn func()) { c.steps = append(c.steps, fn) }

func (c *cleanup) run() {
	c.once.Do(func() {
		for i := len(c.steps) - 1; i >= 0; i-- {
			c.steps[i]()
		}
	})
}

type execFunc func(argv0 string, argv []string, envv []string) error

// reexec tears the daemon down and replaces the process with a fresh copy of
// the executable. Deferred calls do not survive the exec.
func reexec(teardown *cleanup, exec execFunc) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	teardown.run()
	if err := exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		a.stores.Close()
		return err
	}

	teardown := &cleanup{}
	defer teardown.run()
	teardown.add(func() { os.Remove(pidPath) })

	ctx, cancel := context.WithCancel(context.Background())
	teardown.add(cancel)

	a.start(ctx)
	teardown.add(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := a.shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	})

	logger.Info("hexe started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_chain", cfg.MaxToolChain,
		"history_backend", cfg.History.Backend,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	deliveryReg := delivery.NewRegistry()

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, a.gw, a.threads, a.stores.profiles, logger)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		logger.Info("telegram adapter started")

		deliveryReg.Register("telegram:", adapter.SendTo)
	} else {
		logger.Warn("telegram adapter disabled (no token)")
	}

	sched := scheduler.New(a.stores.tasks, a.stores.notes, func(user types.UserID, prompt string) {
		runTask(ctx, a, deliveryReg, logger, user, prompt)
	}, scheduler.Options{
		PurgeSchedule: cfg.Scheduler.PurgeSchedule,
		Logger:        logger,
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	teardown.add(sched.Stop)
	if err := sched.Watch(ctx, scheduler.DefaultSettle); err != nil {
		logger.Warn("task changes need a restart", "error", err)
	}
	logger.Info("scheduler started", "tasks", a.stores.tasks.Path())

	httpServer := startHTTP(cfg, a, logger)
	teardown.add(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		// Event streams stay open until their thread closes.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigChan
	if sig == syscall.SIGHUP {
		logger.Info("received SIGHUP, restarting")
		signal.Stop(sigChan)
		return reexec(teardown, syscall.Exec)
	}
	logger.Info("shutting down", "signal", sig.String())
	return nil
}

func startHTTP(cfg *config.Config, a *app, logger *slog.Logger) *http.Server {
	handler := server.NewServer(a.threads, a.gw, a.stores.history, server.Options{
		Profiles: a.stores.profiles,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server started", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	return httpServer
}

// runTask sends a scheduled prompt to the user's conversation and delivers
// the reply through the transport that owns the user.
func runTask(ctx context.Context, a *app, deliveryReg *delivery.Registry, logger *slog.Logger, user types.UserID, prompt string) {
	events, err := a.turn(ctx, user, prompt, "task")
	if err != nil {
		logger.Error("task turn failed", "user_id", string(user), "error", err)
	}
	reply := event.Reply(events)
	if reply == "" {
		return
	}
	if err := deliveryReg.Deliver(user, reply); err != nil {
		logger.Warn("task delivery failed", "user_id", string(user), "error", err)
	}
}
