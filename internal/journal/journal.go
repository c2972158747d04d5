// Package journal records which parts of a transfer already reached the
// remote end, so an interrupted upload can be resumed instead of restarted.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const timeFormat = time.RFC3339Nano

// Part is a completed part of a destination.
type Part struct {
	Number int
	Start  int64
	End    int64
	// Digest is the hex blake3 digest of the part's source bytes.
	Digest string
	ETag   string
}

// Journal is a SQLite backed record of open transfers and their parts. It is
// safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite allows one writer; workers record parts concurrently.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal: %w", err)
	}
	return j, nil
}

func (j *Journal) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS transfers (
			source_path    TEXT NOT NULL,
			source_size    INTEGER NOT NULL,
			source_mtime   TEXT NOT NULL,
			destination_id TEXT NOT NULL,
			started_at     TEXT NOT NULL,

			PRIMARY KEY (source_path)
		);

		CREATE TABLE IF NOT EXISTS parts (
			destination_id TEXT NOT NULL,
			part_number    INTEGER NOT NULL,
			start_offset   INTEGER NOT NULL,
			end_offset     INTEGER NOT NULL,
			digest         TEXT NOT NULL,
			etag           TEXT NOT NULL,
			completed_at   TEXT NOT NULL,

			PRIMARY KEY (destination_id, part_number)
		);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close ...
func (j *Journal) Close() error {
	return j.db.Close()
}

// Destination returns the destination of an unfinished transfer of the
// source file, or "" when there is none or the file changed since.
func (j *Journal) Destination(ctx context.Context, sourcePath string, size int64, modTime time.Time) (string, error) {
	var destinationID, mtime string
	var storedSize int64
	err := j.db.QueryRowContext(ctx,
		`SELECT destination_id, source_size, source_mtime FROM transfers WHERE source_path = ?`,
		sourcePath,
	).Scan(&destinationID, &storedSize, &mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query transfer: %w", err)
	}

	if storedSize != size || mtime != modTime.UTC().Format(timeFormat) {
		return "", nil
	}
	return destinationID, nil
}

// Begin records that sourcePath is being uploaded to destinationID. Any
// earlier record of the source is replaced.
func (j *Journal) Begin(ctx context.Context, sourcePath string, size int64, modTime time.Time, destinationID string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transfers (source_path, source_size, source_mtime, destination_id, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sourcePath, size, modTime.UTC().Format(timeFormat), destinationID, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// Completed returns the recorded parts of destinationID keyed by part number.
func (j *Journal) Completed(ctx context.Context, destinationID string) (map[int]Part, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT part_number, start_offset, end_offset, digest, etag FROM parts WHERE destination_id = ?`,
		destinationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	defer rows.Close()

	parts := map[int]Part{}
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.Number, &p.Start, &p.End, &p.Digest, &p.ETag); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		parts[p.Number] = p
	}
	return parts, rows.Err()
}

// MarkCompleted records a part that the remote end accepted.
func (j *Journal) MarkCompleted(ctx context.Context, destinationID string, p Part) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO parts (destination_id, part_number, start_offset, end_offset, digest, etag, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		destinationID, p.Number, p.Start, p.End, p.Digest, p.ETag, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("record part %d: %w", p.Number, err)
	}
	return nil
}

// Forget removes every record of destinationID, once it is complete or abandoned.
func (j *Journal) Forget(ctx context.Context, destinationID string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE destination_id = ?`, destinationID); err != nil {
		return fmt.Errorf("delete parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE destination_id = ?`, destinationID); err != nil {
		return fmt.Errorf("delete transfer: %w", err)
	}
	return tx.Commit()
}
