// Package catalog records builds in a local sqlite database so that
// `list` can answer what was built, when, and from what source. A
// catalog failure never fails a build, callers log it and move on.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// Build status values.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Build is one catalog row. Result fields are nil while the build is
// still running or when it failed before producing them.
type Build struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Digest      *string    `json:"digest,omitempty"`
	ArchivePath string     `json:"archive_path"`
	SizeBytes   *int64     `json:"size_bytes,omitempty"`
	EntryCount  *int64     `json:"entry_count,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Catalog struct {
	db *sql.DB
}

// Open opens the catalog database, creating the schema if needed.
func Open(ctx context.Context, path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema, err := migrationFiles.ReadFile("migration/001_initial.sql")
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	_, err = db.ExecContext(ctx, string(schema))
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Begin records a started build and returns its catalog ID.
func (c *Catalog) Begin(ctx context.Context, source, archivePath string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("error generating build uuid: %w", err)
	}
	now := time.Now().Unix()

	query := `
		INSERT INTO builds (id, source, archive_path, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = c.db.ExecContext(ctx, query, id.String(), source, archivePath, StatusRunning, now)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// Complete marks a build done and stores its results.
func (c *Catalog) Complete(ctx context.Context, id, digest string, sizeBytes, entryCount int64, duration time.Duration) error {
	query := `
		UPDATE builds
		SET status = ?, digest = ?, size_bytes = ?, entry_count = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`

	_, err := c.db.ExecContext(ctx, query,
		StatusDone, digest, sizeBytes, entryCount, duration.Milliseconds(), time.Now().Unix(), id)

	return err
}

// Fail marks a build failed and stores the error.
func (c *Catalog) Fail(ctx context.Context, id string, buildErr error) error {
	query := `
		UPDATE builds
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	_, err := c.db.ExecContext(ctx, query, StatusFailed, buildErr.Error(), time.Now().Unix(), id)

	return err
}

// List returns the most recent builds, newest first.
func (c *Catalog) List(ctx context.Context, limit int) ([]*Build, error) {
	query := `
		SELECT id, source, digest, archive_path, size_bytes, entry_count, duration_ms, status, error, created_at, completed_at
		FROM builds
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		var (
			b           Build
			createdAt   int64
			completedAt sql.NullInt64
		)

		err := rows.Scan(&b.ID, &b.Source, &b.Digest, &b.ArchivePath,
			&b.SizeBytes, &b.EntryCount, &b.DurationMS, &b.Status, &b.Error,
			&createdAt, &completedAt)
		if err != nil {
			return nil, err
		}

		b.CreatedAt = time.Unix(createdAt, 0)
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0)
			b.CompletedAt = &t
		}

		builds = append(builds, &b)
	}

	return builds, rows.Err()
}
