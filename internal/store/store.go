package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/remap"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on id_mappings.confirmed_at for age-based pruning
const currentSchemaVersion = 1

// Journal is the storage surface the client and CLI use.
type Journal interface {
	remap.Journal

	// LookupMapping returns the stored mapping for a provisional id.
	LookupMapping(ctx context.Context, oldID int64) (remap.Mapping, bool, error)

	// DeleteMappingsBefore removes mappings confirmed before t.
	DeleteMappingsBefore(ctx context.Context, t time.Time) (int64, error)

	// AppendEvent adds ev to the event log and returns its seq.
	AppendEvent(ctx context.Context, ev event.Event, at time.Time) (int64, error)

	// ReadEvents returns up to limit records with seq > afterSeq, in seq
	// order. A non-positive limit means no limit.
	ReadEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error)

	Close() error
}

// EventRecord is one event log row.
type EventRecord struct {
	Seq        int64
	Tag        event.Tag
	Extra      string
	Payload    []byte // canonical JSON
	ReceivedAt time.Time
}

// Event decodes the record back into an event.
func (r EventRecord) Event() (event.Event, error) {
	return event.Decode(r.Payload)
}

// Driver names accepted by OpenJournal.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// OpenJournal opens the journal for driver at dsn. For SQLite the dsn is a
// file path.
func OpenJournal(driver, dsn string) (Journal, error) {
	switch driver {
	case DriverSQLite, "sqlite", "":
		s, err := Open(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		p, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Store is the SQLite journal.
// Uses WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

var _ Journal = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open journal: empty path")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the confirmation-time index used by DeleteMappingsBefore.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_id_mappings_confirmed
		ON id_mappings(confirmed_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
