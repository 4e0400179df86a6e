package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// SQLiteStore keeps delivered ids in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	moved string // where a corrupt database was moved aside, until reported
	now   func() time.Time
}

// OpenSQLite opens or creates the database at path. A file that is not a
// usable database is renamed to <path>.corrupt and replaced by a fresh one;
// the next Load reports ErrCorruptStore.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	s := &SQLiteStore{path: path, now: time.Now}
	db, err := openDB(path)
	if err != nil && isCorruptDB(err) {
		s.moved = path + ".corrupt"
		if rerr := os.Rename(path, s.moved); rerr != nil {
			return nil, fmt.Errorf("move corrupt database aside: %w", rerr)
		}
		db, err = openDB(path)
	}
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func isCorruptDB(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply schema: %w", err)
	}

	var versionStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&versionStr)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO metadata(key, value) VALUES('schema_version', ?)", strconv.Itoa(schemaVersion)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert schema version: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read schema version: %w", err)
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("parse schema version: %w", err)
	}
	if version > schemaVersion {
		_ = tx.Rollback()
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if s.moved != "" {
		moved := s.moved
		s.moved = ""
		return nil, fmt.Errorf("%w: unreadable database moved to %s", ErrCorruptStore, moved)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT post_id FROM delivered ORDER BY seq")
	if err != nil {
		return nil, s.queryErr("load delivered ids", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.queryErr("scan delivered id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryErr("iterate delivered ids", err)
	}
	return ids, nil
}

func (s *SQLiteStore) queryErr(op string, err error) error {
	if isCorruptDB(err) {
		return fmt.Errorf("%w: %s: %v", ErrCorruptStore, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLiteStore) Append(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if err := ValidateID(id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO delivered(post_id, delivered_at) VALUES(?, ?)", id, formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("insert delivered id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Replace(ctx context.Context, ids []string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace transaction: %w", err)
	}

	// Keep the original delivery times of ids that survive.
	times := make(map[string]string, len(ids))
	rows, err := tx.QueryContext(ctx, "SELECT post_id, delivered_at FROM delivered")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read delivered ids: %w", err)
	}
	for rows.Next() {
		var id, at string
		if err := rows.Scan(&id, &at); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return fmt.Errorf("scan delivered id: %w", err)
		}
		times[id] = at
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, "DELETE FROM delivered"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear delivered ids: %w", err)
	}

	now := formatTime(s.now())
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			_ = tx.Rollback()
			return err
		}
		at, ok := times[id]
		if !ok {
			at = now
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO delivered(post_id, delivered_at) VALUES(?, ?)", id, at,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert delivered id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, errors.New("store is not initialized")
	}

	var (
		st   Stats
		last sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), MAX(delivered_at) FROM delivered").Scan(&st.Count, &last); err != nil {
		return Stats{}, fmt.Errorf("count delivered ids: %w", err)
	}
	if last.Valid {
		ts, err := parseTime(last.String)
		if err != nil {
			return Stats{}, fmt.Errorf("parse delivered_at: %w", err)
		}
		st.Last = ts
	}
	if info, err := os.Stat(s.path); err == nil {
		st.Size = info.Size()
	}
	return st, nil
}

// timeLayout is fixed width so delivered_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if ts, err := time.Parse(timeLayout, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
