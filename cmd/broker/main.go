// Command broker runs the MCP tool-calling broker. Subcommands: serve
// (default) runs the JSON-RPC loop on stdio; migrate, migrate-status,
// migrate-rollback manage the shared SQLite database's schema. Exit codes:
// 0 success, 1 generic failure, 2 misuse.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goadesign/force-broker/internal/config"
	"github.com/goadesign/force-broker/internal/migrate"
	"github.com/goadesign/force-broker/internal/store/sqlite"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		args = []string{"serve"}
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "migrate-status":
		return runMigrateStatus(args[1:])
	case "migrate-rollback":
		return runMigrateRollback(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "broker: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	migrationsDir := fs.String("migrations", "migrations", "path to the migrations directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: config: %v\n", err)
		return 1
	}

	db, err := sqlite.Open(sqlite.Options{Path: cfg.DatabasePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	runner := &migrate.Runner{DBPath: cfg.DatabasePath, MigrationsDir: *migrationsDir}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runner.Up(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "broker: migrate: %v\n", err)
		return 1
	}

	srv, err := newServer(ctx, cfg, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: initialize: %v\n", err)
		return 1
	}
	srv.Run(ctx)
	return 0
}

func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	migrationsDir := fs.String("migrations", "migrations", "path to the migrations directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: config: %v\n", err)
		return 1
	}
	db, err := sqlite.Open(sqlite.Options{Path: cfg.DatabasePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	runner := &migrate.Runner{DBPath: cfg.DatabasePath, MigrationsDir: *migrationsDir}
	if err := runner.Up(context.Background(), db); err != nil {
		fmt.Fprintf(os.Stderr, "broker: migrate: %v\n", err)
		return 1
	}
	fmt.Println("migrations applied")
	return 0
}

func runMigrateStatus(args []string) int {
	fs := flag.NewFlagSet("migrate-status", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	migrationsDir := fs.String("migrations", "migrations", "path to the migrations directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: config: %v\n", err)
		return 1
	}
	db, err := sqlite.Open(sqlite.Options{Path: cfg.DatabasePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	runner := &migrate.Runner{DBPath: cfg.DatabasePath, MigrationsDir: *migrationsDir}
	current, latest, err := runner.Status(context.Background(), db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: migrate-status: %v\n", err)
		return 1
	}
	fmt.Printf("current version: %d\nlatest version:  %d\n", current, latest)
	return 0
}

func runMigrateRollback(args []string) int {
	fs := flag.NewFlagSet("migrate-rollback", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	migrationsDir := fs.String("migrations", "migrations", "path to the migrations directory")
	toVersion := fs.Int("to-version", -1, "target schema version to roll back to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *toVersion < 0 {
		fmt.Fprintln(os.Stderr, "broker: migrate-rollback: --to-version is required")
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: config: %v\n", err)
		return 1
	}
	db, err := sqlite.Open(sqlite.Options{Path: cfg.DatabasePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	runner := &migrate.Runner{DBPath: cfg.DatabasePath, MigrationsDir: *migrationsDir}
	if err := runner.RollbackTo(context.Background(), db, *toVersion); err != nil {
		fmt.Fprintf(os.Stderr, "broker: migrate-rollback: %v\n", err)
		return 1
	}
	fmt.Printf("rolled back to version %d\n", *toVersion)
	return 0
}
