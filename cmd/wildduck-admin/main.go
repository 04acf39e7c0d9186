package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/db"
	"github.com/archessay/wildduck/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "create-user":
		handleCreateUser(ctx)
	case "add-address":
		handleAddAddress(ctx)
	case "update-user":
		handleUpdateUser(ctx)
	case "set-autoreply":
		handleSetAutoreply(ctx)
	case "add-filter":
		handleAddFilter(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`wildduck admin tool

Usage:
  wildduck-admin <command> [options]

Commands:
  migrate         Manage the database schema (up, down, version, force)
  create-user     Create a user with its primary address and default mailboxes
  add-address     Add an address to an existing user
  update-user     Change forwarding and encryption settings of a user
  set-autoreply   Configure the out-of-office reply of a user
  add-filter      Add a delivery filter to a user
  help            Show this help message

Use 'wildduck-admin <command> --help' for command-specific options.
`)
}

// loadConfig reads the configuration used by every command. A missing file
// falls back to defaults.
func loadConfig(path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatal("Failed to load configuration", "path", path, "error", err)
		}
		logger.Warn("Configuration file not found, using defaults", "path", path)
	}
	// schema changes are explicit in the admin tool
	cfg.Database.Migrate = false
	return cfg
}

// connect opens the database for the user commands.
func connect(ctx context.Context, path string) *db.Database {
	cfg := loadConfig(path)
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to the database", "error", err)
	}
	return database
}

func parseFlags(fs *flag.FlagSet, usage string) {
	fs.Usage = func() {
		fmt.Println(usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
}
