package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queued_operations (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT    NOT NULL UNIQUE,
	status     TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queued_operations_status ON queued_operations (status, seq);
`

// SQLiteStore is a durable Store backed by SQLite.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLiteStore opens the queue database at path and creates its schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer keeps the compare-and-swap transactions serialised
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, op Operation) (Operation, error) {
	if err := s.ready(ctx); err != nil {
		return Operation{}, err
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encode payload: %w", err)
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = op.CreatedAt
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return Operation{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM queued_operations WHERE id = ?`, op.ID).Scan(&exists)
	if err != nil {
		return Operation{}, fmt.Errorf("check id: %w", err)
	}
	if exists > 0 {
		return Operation{}, ErrDuplicateID
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO queued_operations (
	id,
	status,
	payload,
	attempts,
	last_error,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		op.ID,
		string(op.Status),
		payload,
		op.Attempts,
		op.LastError,
		op.CreatedAt.UTC().UnixMilli(),
		op.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return Operation{}, fmt.Errorf("append operation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Operation{}, fmt.Errorf("append operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Operation{}, fmt.Errorf("commit append: %w", err)
	}
	op.Seq = uint64(seq)
	op.CreatedAt = time.UnixMilli(op.CreatedAt.UnixMilli()).UTC()
	op.UpdatedAt = time.UnixMilli(op.UpdatedAt.UnixMilli()).UTC()
	return op, nil
}

const selectOperation = `
SELECT
	seq,
	id,
	status,
	payload,
	attempts,
	last_error,
	created_at,
	updated_at
FROM queued_operations
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op        Operation
		status    string
		payload   []byte
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&op.Seq,
		&op.ID,
		&status,
		&payload,
		&op.Attempts,
		&op.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Operation{}, err
	}
	if err := json.Unmarshal(payload, &op.Payload); err != nil {
		return Operation{}, fmt.Errorf("decode payload: %w", err)
	}
	op.Status = Status(status)
	op.CreatedAt = time.UnixMilli(createdAt).UTC()
	op.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return op, nil
}

func (s *SQLiteStore) PeekOldest(ctx context.Context, status Status) (Operation, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Operation{}, false, err
	}
	row := s.sqlDB.QueryRowContext(ctx, selectOperation+`WHERE status = ? ORDER BY seq ASC LIMIT 1`, string(status))
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, false, nil
	}
	if err != nil {
		return Operation{}, false, fmt.Errorf("peek oldest: %w", err)
	}
	return op, true, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to Status, update func(*Operation)) (Operation, error) {
	if err := s.ready(ctx); err != nil {
		return Operation{}, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return Operation{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	op, err := scanOperation(tx.QueryRowContext(ctx, selectOperation+`WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("load operation: %w", err)
	}
	if op.Status != from {
		return Operation{}, ErrStatusConflict
	}
	if update != nil {
		update(&op)
	}
	op.ID = id
	op.Status = to
	op.UpdatedAt = time.UnixMilli(time.Now().UTC().UnixMilli()).UTC()

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encode payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE queued_operations
SET status = ?, payload = ?, attempts = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?
`,
		string(op.Status),
		payload,
		op.Attempts,
		op.LastError,
		op.UpdatedAt.UnixMilli(),
		id,
		string(from),
	)
	if err != nil {
		return Operation{}, fmt.Errorf("update status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Operation{}, ErrStatusConflict
	}
	if err := tx.Commit(); err != nil {
		return Operation{}, fmt.Errorf("commit update: %w", err)
	}
	return op, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Operation, error) {
	if err := s.ready(ctx); err != nil {
		return Operation{}, err
	}
	op, err := scanOperation(s.sqlDB.QueryRowContext(ctx, selectOperation+`WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM queued_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Operation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, selectOperation+`ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.sqlDB.PingContext(ctx)
}

var _ Store = (*SQLiteStore)(nil)
