package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// These tests exercise the database-level conversion guard against a real
// Postgres instance. They are skipped unless QUORUM_TEST_DATABASE_URL is set.

func TestConversionGuardBlocksQuestionIDUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, integrationDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	var triggers int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.triggers
		WHERE trigger_name = 'trg_threads_conversion_guard'
	`).Scan(&triggers)
	if err != nil {
		t.Fatalf("look up trigger: %v", err)
	}
	if triggers == 0 {
		t.Fatal("conversion guard trigger not installed; migration 0004 may not be applied")
	}

	userID, threadID := seedConvertedThread(ctx, t, db)
	defer cleanupThread(ctx, db, threadID, userID)

	_, err = db.ExecContext(ctx, `
		UPDATE threads SET converted_question_id = 'q_second' WHERE id = $1
	`, threadID)
	if err == nil {
		t.Fatal("expected UPDATE of converted_question_id to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
	}
	if pgErr.Message != "threads.converted_question_id is immutable once set" {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}

func TestConversionGuardBlocksReopen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, integrationDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	userID, threadID := seedConvertedThread(ctx, t, db)
	defer cleanupThread(ctx, db, threadID, userID)

	_, err = db.ExecContext(ctx, `
		UPDATE threads SET is_closed = FALSE, is_active = TRUE WHERE id = $1
	`, threadID)
	if err == nil {
		t.Fatal("expected reopen to be blocked, but it succeeded")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
	}
}

func integrationDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("QUORUM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("QUORUM_TEST_DATABASE_URL is not set")
	}
	return dsn
}

// seedConvertedThread inserts a creator and an already-converted thread with
// ids unique to the calling test, so parallel runs do not collide.
func seedConvertedThread(ctx context.Context, t *testing.T, db *sql.DB) (userID, threadID string) {
	t.Helper()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	userID = "usr_guard_" + suffix
	threadID = "th_guard_" + suffix

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, handle, display_name) VALUES ($1, $2, $3)
	`, userID, "guard-"+suffix, "Guard Tester")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO threads (id, title, description, creator_id, is_active, is_closed, converted_question_id)
		VALUES ($1, 'Guard test thread', 'Seeded by the conversion guard test.', $2, FALSE, TRUE, 'q_first')
	`, threadID, userID)
	if err != nil {
		t.Fatalf("insert thread: %v", err)
	}
	return userID, threadID
}

func cleanupThread(ctx context.Context, db *sql.DB, threadID, userID string) {
	_, _ = db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, threadID)
	_, _ = db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
}
