package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/archessay/wildduck/db"
	"github.com/archessay/wildduck/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Usage:
  wildduck-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  wildduck-admin migrate up
  wildduck-admin migrate down --limit 1
  wildduck-admin migrate force 1
`)
}

// openMigrator parses the subcommand flags and connects a migrator.
func openMigrator(ctx context.Context, fs *flag.FlagSet, configPath *string, usage string) *db.Migrator {
	fs.Usage = func() {
		fmt.Println(usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	m, err := db.OpenMigrator(ctx, db.ConnString(&cfg.Database))
	if err != nil {
		logger.Fatal("Failed to initialize migration tool", "error", err)
	}
	return m
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	m := openMigrator(ctx, fs, configPath, "Usage: wildduck-admin migrate up [--config config.toml]")
	defer m.Close()

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil {
		logger.Fatal("Failed to apply UP migrations", "error", err)
	}
	logger.Info("Migrations applied successfully")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	m := openMigrator(ctx, fs, configPath, "Usage: wildduck-admin migrate down [--config config.toml] [--limit N]")
	defer m.Close()

	if *limit < 1 {
		logger.Fatal("Limit must be a positive number", "limit", *limit)
	}
	logger.Info("Reverting migrations", "limit", *limit)
	if err := m.Steps(-*limit); err != nil {
		logger.Fatal("Failed to revert migrations", "error", err)
	}
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	m := openMigrator(ctx, fs, configPath, "Usage: wildduck-admin migrate version [--config config.toml]")
	defer m.Close()

	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	m := openMigrator(ctx, fs, configPath, "Usage: wildduck-admin migrate force [--config config.toml] <version>")
	defer m.Close()

	if fs.NArg() != 1 {
		logger.Fatal("Exactly one version argument is required")
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatal("Invalid version", "version", fs.Arg(0), "error", err)
	}
	if err := m.Force(version); err != nil {
		logger.Fatal("Failed to force version", "error", err)
	}
	logger.Info("Forced database version", "version", version)
	showVersion(m)
}

func showVersion(m *db.Migrator) {
	version, dirty, err := m.Version()
	if err != nil {
		logger.Fatal("Failed to read migration version", "error", err)
	}
	fmt.Printf("Current version: %d (dirty: %t)\n", version, dirty)
}
