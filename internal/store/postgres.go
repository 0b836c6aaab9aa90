package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/remap"
)

const postgresOperationTimeout = 5 * time.Second

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS id_mappings (
		old_id BIGINT PRIMARY KEY,
		new_id BIGINT NOT NULL,
		chat_id BIGINT NOT NULL DEFAULT 0,
		confirmed_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_id_mappings_new ON id_mappings(new_id)`,
	`CREATE INDEX IF NOT EXISTS idx_id_mappings_confirmed ON id_mappings(confirmed_at)`,
	`CREATE TABLE IF NOT EXISTS event_log (
		seq BIGSERIAL PRIMARY KEY,
		tag TEXT NOT NULL,
		extra TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		received_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_tag ON event_log(tag)`,
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is the journal for deployments that share one database between
// several clients. The connection and schema are set up lazily on first use.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ Journal = (*Postgres)(nil)

// NewPostgres returns a journal backed by the Postgres database at dsn.
func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("open journal: empty postgres dsn")
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = fmt.Errorf("apply postgres schema: %w", err)
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) RecordMapping(ctx context.Context, m remap.Mapping) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO id_mappings (old_id, new_id, chat_id, confirmed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (old_id)
		DO UPDATE SET new_id = EXCLUDED.new_id, chat_id = EXCLUDED.chat_id, confirmed_at = EXCLUDED.confirmed_at`,
		m.OldID, m.NewID, m.ChatID, m.ConfirmedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record mapping %d: %w", m.OldID, err)
	}
	return nil
}

func (p *Postgres) LoadMappings(ctx context.Context) ([]remap.Mapping, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT old_id, new_id, chat_id, confirmed_at
		FROM id_mappings
		ORDER BY old_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	mappings := []remap.Mapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return mappings, nil
}

func (p *Postgres) LookupMapping(ctx context.Context, oldID int64) (remap.Mapping, bool, error) {
	if err := p.ensureReady(); err != nil {
		return remap.Mapping{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `
		SELECT old_id, new_id, chat_id, confirmed_at
		FROM id_mappings
		WHERE old_id = $1`, oldID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return remap.Mapping{}, false, nil
	}
	if err != nil {
		return remap.Mapping{}, false, err
	}
	return m, true, nil
}

func (p *Postgres) DeleteMappingsBefore(ctx context.Context, t time.Time) (int64, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM id_mappings WHERE confirmed_at < $1`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete mappings: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) AppendEvent(ctx context.Context, ev event.Event, at time.Time) (int64, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	payload, err := ev.Canonical()
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.Tag, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// lib/pq does not support LastInsertId.
	var seq int64
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO event_log (tag, extra, payload, received_at)
		VALUES ($1, $2, $3, $4)
		RETURNING seq`,
		string(ev.Tag), ev.Extra, string(payload), at.UnixNano()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.Tag, err)
	}
	return seq, nil
}

func (p *Postgres) ReadEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := `
		SELECT seq, tag, extra, payload, received_at
		FROM event_log
		WHERE seq > $1
		ORDER BY seq ASC`
	args := []any{afterSeq}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
