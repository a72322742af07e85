package testutil

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

// TestDB represents a test database connection with utilities
type TestDB struct {
	*sql.DB
	ctx context.Context
}

// NewTestDB connects to TEST_DATABASE_DSN or skips the test
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set, skipping integration test")
	}

	dbcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("Invalid TEST_DATABASE_DSN: %v", err)
	}
	dbcfg.ParseTime = true
	dbcfg.Loc = time.UTC
	dbcfg.MultiStatements = true

	connector, err := mysql.NewConnector(dbcfg)
	if err != nil {
		t.Fatalf("Failed to create connector: %v", err)
	}
	db := sql.OpenDB(connector)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}

	tdb := &TestDB{DB: db, ctx: ctx}
	t.Cleanup(tdb.Close)
	return tdb
}

// Close closes the database connection
func (tdb *TestDB) Close() {
	tdb.DB.Close()
}

// Context returns the test context
func (tdb *TestDB) Context() context.Context {
	return tdb.ctx
}

// Truncate empties the given tables
func (tdb *TestDB) Truncate(t *testing.T, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := tdb.ExecContext(tdb.ctx, "TRUNCATE TABLE "+table); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
}

// TimeController allows controlling time in tests
type TimeController struct {
	mu      sync.Mutex
	current time.Time
}

// NewTimeController creates a time controller frozen at start
func NewTimeController(start time.Time) *TimeController {
	return &TimeController{current: start}
}

// SetTime sets the current time
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.current = t
}

// Advance advances time by the given duration
func (tc *TimeController) Advance(d time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.current = tc.current.Add(d)
}

// Now returns the current controlled time
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.current
}

// NewTestLogger returns a debug level logger writing through t.Log
func NewTestLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
