package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteParams = "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// SQLiteStore implements Index on an embedded SQLite file. All collections
// share one database, one row per (collection, id), vectors stored as
// little-endian float32 blobs. Search is brute force over the collection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and initializes the schema.
// Parent directories are created if they do not exist. ":memory:" is accepted.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	// Settings in the DSN apply to every pooled connection. Immediate
	// transactions take the write lock at BEGIN, so a concurrent writer waits
	// on busy_timeout instead of failing when it upgrades a read lock.
	db, err := sql.Open("sqlite3", path+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dimension INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vectors (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		vector BLOB NOT NULL,
		payload TEXT NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_vectors_collection_seq ON vectors(collection, seq);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) dimension(ctx context.Context, collection string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM collections WHERE name = ?`, collection).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read collection: %w", err)
	}
	return dim, nil
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	dim, err := s.dimension(ctx, collection)
	if err == nil {
		if dim != dimension {
			return fmt.Errorf("%w: collection %s has %d, requested %d", ErrDimensionMismatch, collection, dim, dimension)
		}
		return nil
	}
	if !errors.Is(err, ErrCollectionNotFound) {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections (name, dimension) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		collection, dimension)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DropCollection(ctx context.Context, collection string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM vectors WHERE collection = ?`, collection).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (collection, id, vector, payload, seq) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Vector) != dim {
			return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(r.Vector), dim)
		}
		payload, err := json.Marshal(clonePayload(r.Payload))
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		seq++
		if _, err := stmt.ExecContext(ctx, collection, r.ID, encodeVector(r.Vector), string(payload), seq); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	dim, err := s.dimension(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vector), dim)
	}
	records, err := s.scan(ctx, collection)
	if err != nil {
		return nil, err
	}
	return rankTopK(records, vector, k), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, collection string) ([]Record, error) {
	if _, err := s.dimension(ctx, collection); err != nil {
		return nil, err
	}
	return s.scan(ctx, collection)
}

func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.dimension(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scan(ctx context.Context, collection string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vector, payload FROM vectors WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			id      string
			blob    []byte
			payload string
		)
		if err := rows.Scan(&id, &blob, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r := Record{ID: id, Vector: decodeVector(blob)}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for %s: %w", id, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

var _ Index = (*SQLiteStore)(nil)
