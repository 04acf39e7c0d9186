package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/db"
	"github.com/stretchr/testify/require"
)

// TestDatabase wraps a migrated database for integration tests.
type TestDatabase struct {
	*db.Database
	Config *config.DatabaseConfig
}

// SetupTestDatabase connects to the database described by the [database]
// section of config-test.toml, applies migrations and empties every table.
// The test is skipped in short mode or when no config-test.toml exists.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
	cfg.Database.Migrate = true

	ctx := context.Background()
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database %s", cfg.Database.Name)

	td := &TestDatabase{Database: database, Config: &cfg.Database}
	td.TruncateAllTables(t)
	t.Cleanup(td.Close)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// CreateTestUser creates a user with its default mailboxes.
func (td *TestDatabase) CreateTestUser(t *testing.T, username, address string) string {
	t.Helper()
	id, err := td.CreateUser(context.Background(), db.NewUser{Username: username, Address: address, Name: username})
	require.NoError(t, err)
	return id
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	tables := []string{
		"zone_queue",
		"message_log",
		"messages",
		"mailboxes",
		"autoreplies",
		"filters",
		"addresses",
		"users",
	}
	for _, table := range tables {
		_, err := td.Pool.Exec(context.Background(), fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}
