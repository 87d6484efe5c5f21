package testutil

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/xiaonanln/shieldmesh/util/postgres"
)

var invalidDBNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeDBName converts a test name to a valid PostgreSQL database name:
// at most 63 lowercase letters, digits and underscores, not starting with a digit.
func sanitizeDBName(testName string) string {
	name := strings.ToLower(invalidDBNameChars.ReplaceAllString(testName, "_"))
	if len(name) > 0 && name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// postgresAdminConfig reads POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER and
// POSTGRES_PASSWORD, defaulting to a local server with postgres/postgres
func postgresAdminConfig() *postgres.Config {
	port, err := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return &postgres.Config{
		Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
		Port:     port,
		User:     getEnvOrDefault("POSTGRES_USER", "postgres"),
		Password: getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
		Database: "postgres",
		SSLMode:  "disable",
	}
}

// CreateTestDatabase creates a fresh database named after the test and returns a
// connection to it. The database is dropped when the test completes. The test is
// skipped when PostgreSQL is not available or SKIP_POSTGRES_TESTS=1.
func CreateTestDatabase(t *testing.T) *postgres.DB {
	t.Helper()

	if os.Getenv("SKIP_POSTGRES_TESTS") == "1" {
		t.Skip("Skipping PostgreSQL integration test (SKIP_POSTGRES_TESTS=1)")
	}

	dbName := sanitizeDBName(t.Name())
	adminConfig := postgresAdminConfig()

	adminDB, err := postgres.NewDB(adminConfig)
	if err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
		return nil
	}
	if err := adminDB.Ping(context.Background()); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
		return nil
	}

	// Drop the database if it exists (force disconnect any existing connections)
	_, _ = adminDB.Connection().ExecContext(context.Background(),
		fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))

	_, err = adminDB.Connection().ExecContext(context.Background(),
		fmt.Sprintf("CREATE DATABASE %s", dbName))
	adminDB.Close()
	if err != nil {
		t.Skipf("Failed to create test database: %v", err)
		return nil
	}

	testConfig := *adminConfig
	testConfig.Database = dbName
	db, err := postgres.NewDB(&testConfig)
	if err != nil {
		t.Skipf("Skipping test - Failed to connect to test database: %v", err)
		return nil
	}

	t.Cleanup(func() {
		db.Close()

		cleanupDB, err := postgres.NewDB(adminConfig)
		if err != nil {
			t.Logf("Warning: Failed to connect for cleanup: %v", err)
			return
		}
		defer cleanupDB.Close()

		_, err = cleanupDB.Connection().ExecContext(context.Background(),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
		if err != nil {
			t.Logf("Warning: Failed to drop test database: %v", err)
		}
	})

	return db
}
