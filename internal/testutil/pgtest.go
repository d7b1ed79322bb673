// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/workwise/escrowd/migrations"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error

	migrateMu sync.Mutex
	migrated  = map[string]bool{}
)

// PGTest returns a migrated database plus a cleanup function that truncates
// every application table.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL points the tests at an existing server. Otherwise one
// postgres container is started per test binary; the test is skipped when
// Docker is not available.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in -short mode")
	}

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		containerOnce.Do(startContainer)
		if containerErr != nil {
			t.Skipf("pgtest: postgres container unavailable: %v", containerErr)
		}
		dsn = containerDSN
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := migrate(ctx, db, dsn); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// startContainer is never terminated explicitly; the testcontainers reaper
// removes it when the test binary exits.
func startContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("escrowd_test"),
		postgres.WithUsername("escrowd"),
		postgres.WithPassword("escrowd"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		containerErr = err
		return
	}
	containerDSN, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
}

// Migrate applies the embedded goose migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	return migrations.Up(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB, dsn string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	if migrated[dsn] {
		return nil
	}
	if err := Migrate(ctx, db); err != nil {
		return err
	}
	migrated[dsn] = true
	return nil
}

// truncateAll empties the application tables. The audit log is append-only
// through a row trigger, which TRUNCATE does not fire.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
