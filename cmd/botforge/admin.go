package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	bfhttp "github.com/Strob0t/BotForge/internal/adapter/http"
	"github.com/Strob0t/BotForge/internal/adapter/postgres"
	"github.com/Strob0t/BotForge/internal/config"
	"github.com/Strob0t/BotForge/internal/domain/runner"
	"github.com/Strob0t/BotForge/internal/gateway"
	"github.com/Strob0t/BotForge/internal/middleware"
	"github.com/Strob0t/BotForge/internal/port/database"
)

// runAdmin dispatches admin subcommands (create-runner, list-runners).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "create-runner":
		return runAdminCreateRunner(args[1:])
	case "list-runners":
		return runAdminListRunners(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: botforge admin <command> [options]

Commands:
  create-runner    Register a runner and print its API key
  list-runners     List registered runners
  help             Show this help message

Examples:
  botforge admin create-runner --name desk-7
  botforge admin create-runner --name desk-7 --tenant 6f1f... --pool windows --max-jobs 2
  botforge admin list-runners --tenant 6f1f...
`)
}

func loadAdminDeps() (database.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	cleanup := func() {
		pool.Close()
	}
	return postgres.NewStore(pool), cleanup, nil
}

func runAdminCreateRunner(args []string) error {
	fs := flag.NewFlagSet("create-runner", flag.ContinueOnError)
	name := fs.String("name", "", "runner name (required)")
	tenant := fs.String("tenant", middleware.DefaultTenantID, "tenant ID")
	pool := fs.String("pool", "", "assignment pool")
	maxJobs := fs.Int("max-jobs", 1, "max concurrent jobs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	store, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	key, err := bfhttp.MintRunnerKey()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := &runner.Runner{
		ID:                uuid.NewString(),
		TenantID:          *tenant,
		Name:              *name,
		APIKeyHash:        gateway.HashKey(key),
		Status:            runner.StatusOffline,
		Pool:              *pool,
		MaxConcurrentJobs: *maxJobs,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	ctx := middleware.WithTenantID(context.Background(), *tenant)
	if err := store.CreateRunner(ctx, rec); err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	fmt.Printf("Runner created.\n\n  ID:      %s\n  Tenant:  %s\n  Name:    %s\n\n", rec.ID, rec.TenantID, rec.Name)
	fmt.Printf("API key (shown once, only its hash is stored):\n\n  %s\n", key)
	return nil
}

func runAdminListRunners(args []string) error {
	fs := flag.NewFlagSet("list-runners", flag.ContinueOnError)
	tenant := fs.String("tenant", middleware.DefaultTenantID, "tenant ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := middleware.WithTenantID(context.Background(), *tenant)
	runners, err := store.ListRunners(ctx)
	if err != nil {
		return fmt.Errorf("list runners: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPOOL\tMAX JOBS\tLAST HEARTBEAT")
	for i := range runners {
		r := &runners[i]
		hb := "never"
		if r.LastHeartbeatAt != nil {
			hb = r.LastHeartbeatAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Status, r.Pool, r.MaxConcurrentJobs, hb)
	}
	return w.Flush()
}
