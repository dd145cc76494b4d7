package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS entries (
	id            TEXT PRIMARY KEY,
	blob          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	status        INTEGER NOT NULL,
	header        BLOB,
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	stored_at     INTEGER NOT NULL,
	last_access   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_last_access_idx ON entries (last_access);
`

// indexRow is the metadata half of a disk entry; the payload lives in the blob.
type indexRow struct {
	ID         string
	Blob       string
	Size       int64
	Status     int
	Header     http.Header
	Validators Validators
	StoredAt   time.Time
	LastAccess time.Time
}

// sqliteIndex records disk entries and their access times.
type sqliteIndex struct {
	db *sql.DB
}

func openIndex(dir string) (*sqliteIndex, error) {
	dsn := "file:" + filepath.Join(dir, "index.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	// one connection serializes writers and avoids SQLITE_BUSY between them
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite index: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &sqliteIndex{db: db}, nil
}

func (x *sqliteIndex) get(ctx context.Context, id string) (indexRow, error) {
	var (
		row        indexRow
		header     []byte
		storedAt   int64
		lastAccess int64
	)
	err := x.db.QueryRowContext(ctx,
		`SELECT id, blob, size, status, header, etag, last_modified, stored_at, last_access
		   FROM entries WHERE id = ?`, id).
		Scan(&row.ID, &row.Blob, &row.Size, &row.Status, &header,
			&row.Validators.ETag, &row.Validators.LastModified, &storedAt, &lastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return indexRow{}, ErrNotFound
	}
	if err != nil {
		return indexRow{}, err
	}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &row.Header); err != nil {
			return indexRow{}, fmt.Errorf("decode stored header: %w", err)
		}
	}
	row.StoredAt = time.Unix(0, storedAt).UTC()
	row.LastAccess = time.Unix(0, lastAccess).UTC()
	return row, nil
}

func (x *sqliteIndex) upsert(ctx context.Context, row indexRow) error {
	header, err := json.Marshal(row.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries
		   (id, blob, size, status, header, etag, last_modified, stored_at, last_access)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Blob, row.Size, row.Status, header,
		row.Validators.ETag, row.Validators.LastModified,
		row.StoredAt.UnixNano(), row.LastAccess.UnixNano())
	return err
}

func (x *sqliteIndex) touch(ctx context.Context, id string, at time.Time) error {
	_, err := x.db.ExecContext(ctx, "UPDATE entries SET last_access = ? WHERE id = ?", at.UnixNano(), id)
	return err
}

func (x *sqliteIndex) delete(ctx context.Context, id string) (bool, error) {
	res, err := x.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (x *sqliteIndex) usage(ctx context.Context) (int, int64, error) {
	var (
		count int
		bytes int64
	)
	err := x.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries").Scan(&count, &bytes)
	return count, bytes, err
}

// oldest lists up to limit least recently used rows, skipping keep.
func (x *sqliteIndex) oldest(ctx context.Context, keep string, limit int) ([]indexRow, error) {
	rows, err := x.db.QueryContext(ctx,
		"SELECT id, blob, size FROM entries WHERE id != ? ORDER BY last_access ASC LIMIT ?", keep, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []indexRow
	for rows.Next() {
		var row indexRow
		if err := rows.Scan(&row.ID, &row.Blob, &row.Size); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (x *sqliteIndex) close() error {
	return x.db.Close()
}
