package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ca-x/hostsync/internal/config"
)

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("tableExists query failed: %v", err)
	}
	return n > 0
}

func TestNewSQLiteRunsMigrations(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "nested", "hostsync.db")

	db, dialect, err := New(ctx, config.DatabaseConfig{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer Close(db)

	if dialect != DialectSQLite {
		t.Errorf("Expected sqlite dialect, got %s", dialect)
	}

	for _, table := range []string{"goose_db_version", "hosts", "sync_jobs", "sync_history"} {
		if !tableExists(t, db, table) {
			t.Errorf("Expected table %s to exist after migrations", table)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "hostsync.db")

	db, _, err := New(ctx, config.DatabaseConfig{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer Close(db)

	if err := Migrate(ctx, db, DialectSQLite); err != nil {
		t.Fatalf("Migrate (second) should be idempotent, got error: %v", err)
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, _, err := New(context.Background(), config.DatabaseConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestSQLiteFilePath(t *testing.T) {
	tests := map[string]string{
		"./data/hostsync.db":          "./data/hostsync.db",
		"file:/tmp/x.db?cache=shared": "/tmp/x.db",
		":memory:":                    "",
		"file::memory:?cache=shared":  "",
	}
	for dsn, want := range tests {
		if got := sqliteFilePath(dsn); got != want {
			t.Errorf("sqliteFilePath(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestMigrationsLogThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	db, _, err := New(context.Background(), config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "hostsync.db"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer Close(db)

	entries := logs.All()
	if len(entries) == 0 {
		t.Fatal("Expected goose to log the applied migrations")
	}
	for _, e := range entries {
		if e.LoggerName != "database" {
			t.Errorf("Expected logger name database, got %q", e.LoggerName)
		}
		if strings.HasSuffix(e.Message, "\n") {
			t.Errorf("Expected trailing newline to be trimmed: %q", e.Message)
		}
	}
}
