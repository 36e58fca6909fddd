package seed

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const seedSchema = `
CREATE TABLE IF NOT EXISTS seeded_records (
    id          TEXT PRIMARY KEY,
    tag         TEXT NOT NULL,
    table_name  TEXT NOT NULL,
    sys_id      TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_seeded_records_tag ON seeded_records(tag, created_at ASC);
`

// SQLiteStore persists tracked entries in a SQLite file so tags survive a
// restart.
type SQLiteStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(seedSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create seed schema: %w", err)
	}

	return &SQLiteStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Add inserts entry.
func (s *SQLiteStore) Add(ctx context.Context, entry Entry) error {
	query := s.sb.
		Insert("seeded_records").
		Columns("id", "tag", "table_name", "sys_id", "created_at", "last_error").
		Values(entry.ID, entry.Tag, entry.Table, entry.SysID, entry.CreatedAt.UTC(), entry.LastError)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("building seed insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("inserting seed entry %q: %w", entry.ID, err)
	}
	return nil
}

// List returns the entries for tag in insertion order.
func (s *SQLiteStore) List(ctx context.Context, tag string) ([]Entry, error) {
	query := s.sb.
		Select("id", "tag", "table_name", "sys_id", "created_at", "last_error").
		From("seeded_records").
		Where(sq.Eq{"tag": tag}).
		OrderBy("created_at ASC", "rowid ASC")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building seed list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("listing seed entries for tag %q: %w", tag, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var createdAt time.Time
		if err := rows.Scan(&entry.ID, &entry.Tag, &entry.Table, &entry.SysID, &createdAt, &entry.LastError); err != nil {
			return nil, fmt.Errorf("scanning seed entry: %w", err)
		}
		entry.CreatedAt = createdAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating seed rows: %w", err)
	}
	return entries, nil
}

// Remove deletes a single entry.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	sqlStr, args, err := s.sb.Delete("seeded_records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building seed delete query: %w", err)
	}
	return s.execOne(ctx, sqlStr, args, "deleting seed entry "+id)
}

// SetLastError records why the last cleanup attempt of an entry failed.
func (s *SQLiteStore) SetLastError(ctx context.Context, id, reason string) error {
	sqlStr, args, err := s.sb.
		Update("seeded_records").
		Set("last_error", reason).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building seed update query: %w", err)
	}
	return s.execOne(ctx, sqlStr, args, "updating seed entry "+id)
}

// Tags summarizes every tag that still has entries, sorted by tag.
func (s *SQLiteStore) Tags(ctx context.Context) ([]TagSummary, error) {
	sqlStr, args, err := s.sb.
		Select("tag", "COUNT(*)", "SUM(CASE WHEN last_error <> '' THEN 1 ELSE 0 END)").
		From("seeded_records").
		GroupBy("tag").
		OrderBy("tag ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building seed tag query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("listing seed tags: %w", err)
	}
	defer rows.Close()

	out := make([]TagSummary, 0)
	for rows.Next() {
		var summary TagSummary
		if err := rows.Scan(&summary.Tag, &summary.Records, &summary.Failed); err != nil {
			return nil, fmt.Errorf("scanning seed tag: %w", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating seed tag rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) execOne(ctx context.Context, sqlStr string, args []any, action string) error {
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: reading affected rows: %w", action, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
