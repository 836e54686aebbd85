package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/collab"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/tasks"
	"github.com/taskmesh/taskmesh/internal/vault"
	"github.com/taskmesh/taskmesh/internal/web"
	"github.com/taskmesh/taskmesh/internal/workspace"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("taskmesh %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: taskmesh <command>\n\nCommands:\n  gateway    Start the Taskmesh gateway service\n  vault      Manage encrypted secrets\n  backup     Archive the data directory\n  restore    Restore the data directory from an archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting taskmesh gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	natsBus, err := bus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer natsBus.Close()
	slog.Info("nats started", "port", natsBus.Port())

	client, err := bus.NewClient(natsBus)
	if err != nil {
		return fmt.Errorf("connect nats client: %w", err)
	}
	defer client.Close()
	sink := bus.NewClientSink(client)

	// Agent registry and task store, mirrored into the sqlite store
	reg := registry.New(db, sink)
	taskStore := tasks.NewStore(db)

	// Secret vault
	var secrets *vault.Vault
	if cfg.Vault.Passphrase != "" {
		secrets = vault.New(cfg.Vault.Passphrase, db)
	} else {
		slog.Warn("vault passphrase not set, secrets disabled")
	}

	// Task executor
	executor := exec.NewLocalExecutor(cfg.Executor)
	if secrets != nil {
		env, err := secrets.Env()
		if err != nil {
			return fmt.Errorf("render secret env: %w", err)
		}
		executor.Env = env
	}

	// Collaboration sessions
	workspaces := workspace.NewManager()
	sessions := collab.NewManager(reg, taskStore, workspaces, executor, nil, db, sink, client, cfg.Scheduler.StepTimeout)

	// Scheduler
	sched := scheduler.New(reg, taskStore, sessions, executor, nil, sink, cfg.Scheduler)
	go sched.Run(ctx)
	slog.Info("scheduler started")

	// Recurring tasks
	recurring := scheduler.NewRecurring(db, sched, cfg.Recurring)
	go recurring.Run(ctx)

	// Telegram notifications
	if cfg.Telegram.Token != "" {
		notifier, err := notify.New(cfg.Telegram, client)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		if err := notifier.Start(ctx); err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
		defer notifier.Stop()
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, reg, taskStore, sched, sessions, recurring, secrets, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
