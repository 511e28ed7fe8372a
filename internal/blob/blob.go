// Package blob stores proof evidence bytes. References are content-addressed
// ("blob:" followed by the hex BLAKE2b-256 of the content), so putting the
// same bytes twice yields one stored blob and one reference.
package blob

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// RefPrefix marks references owned by this store. Any other evidence
// reference (an external URL, say) is stored verbatim and never deleted.
const RefPrefix = "blob:"

var (
	ErrNotFound = errors.New("blob: not found")
	ErrTooLarge = errors.New("blob: content exceeds size limit")
	ErrEmpty    = errors.New("blob: empty content")
)

// Store is the blob store contract the API and engine depend on.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	Owns(ref string) bool
}

// Ref returns the content address of data.
func Ref(data []byte) string {
	sum := blake2b.Sum256(data)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// Owns reports whether ref is a well-formed reference into a blob store.
func Owns(ref string) bool {
	digest, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || len(digest) != 2*blake2b.Size256 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// SQLiteStore keeps blobs in an embedded SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	maxBytes int64
}

var _ Store = (*SQLiteStore)(nil)

const schema = `CREATE TABLE IF NOT EXISTS blobs (
	ref        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	size       INTEGER NOT NULL,
	created_at TEXT NOT NULL
)`

// OpenSQLite opens (creating if needed) the blob database at path. maxBytes
// bounds a single blob; zero or less means no limit.
func OpenSQLite(ctx context.Context, path string, maxBytes int64) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blob: create schema: %w", err)
	}
	return &SQLiteStore{db: db, maxBytes: maxBytes}, nil
}

// Put stores data and returns its reference.
func (s *SQLiteStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), s.maxBytes)
	}
	ref := Ref(data)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs (ref, data, size, created_at) VALUES (?, ?, ?, ?)`,
		ref, data, len(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("blob: put: %w", err)
	}
	return ref, nil
}

// Get returns the content behind ref.
func (s *SQLiteStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE ref = ?`, ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: get: %w", err)
	}
	return data, nil
}

// Delete removes ref. Deleting an absent blob is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}

// Owns reports whether ref has this store's reference format.
func (s *SQLiteStore) Owns(ref string) bool {
	return Owns(ref)
}

// Ping checks the database is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
