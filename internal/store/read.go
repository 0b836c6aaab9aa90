package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/remap"
)

// LoadMappings returns every stored mapping ordered by old_id.
//
// Returns an empty slice (not nil) if the journal is empty.
func (s *Store) LoadMappings(ctx context.Context) ([]remap.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT old_id, new_id, chat_id, confirmed_at
		FROM id_mappings
		ORDER BY old_id ASC
	`)
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

// LookupMapping returns the mapping for oldID.
// Returns false (not an error) when no row exists.
func (s *Store) LookupMapping(ctx context.Context, oldID int64) (remap.Mapping, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT old_id, new_id, chat_id, confirmed_at
		FROM id_mappings
		WHERE old_id = ?
	`, oldID)

	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return remap.Mapping{}, false, nil
	}
	if err != nil {
		return remap.Mapping{}, false, err
	}
	return m, true, nil
}

// ReadEvents returns event records after afterSeq in seq order.
func (s *Store) ReadEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error) {
	query := `
		SELECT seq, tag, extra, payload, received_at
		FROM event_log
		WHERE seq > ?
		ORDER BY seq ASC
	`
	args := []any{afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(sc scanner) (remap.Mapping, error) {
	var m remap.Mapping
	var confirmedAt int64
	if err := sc.Scan(&m.OldID, &m.NewID, &m.ChatID, &confirmedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan mapping: %w", err)
	}
	m.ConfirmedAt = time.Unix(0, confirmedAt)
	return m, nil
}

func scanEvent(sc scanner) (EventRecord, error) {
	var rec EventRecord
	var tag, payload string
	var receivedAt int64
	if err := sc.Scan(&rec.Seq, &tag, &rec.Extra, &payload, &receivedAt); err != nil {
		return rec, fmt.Errorf("scan event: %w", err)
	}
	rec.Tag = event.Tag(tag)
	rec.Payload = []byte(payload)
	rec.ReceivedAt = time.Unix(0, receivedAt)
	return rec, nil
}
