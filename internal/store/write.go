package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/remap"
)

// RecordMapping upserts a confirmed id mapping.
// A repeated confirmation for the same provisional id replaces the row.
func (s *Store) RecordMapping(ctx context.Context, m remap.Mapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO id_mappings (old_id, new_id, chat_id, confirmed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(old_id) DO UPDATE SET
			new_id = excluded.new_id,
			chat_id = excluded.chat_id,
			confirmed_at = excluded.confirmed_at
	`,
		m.OldID,
		m.NewID,
		m.ChatID,
		m.ConfirmedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record mapping %d: %w", m.OldID, err)
	}
	return nil
}

// DeleteMappingsBefore removes mappings confirmed strictly before t.
func (s *Store) DeleteMappingsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM id_mappings WHERE confirmed_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete mappings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete mappings: %w", err)
	}
	return n, nil
}

// AppendEvent adds ev to the event log.
//
// The payload is the event's canonical JSON, so two traces of the same
// events are byte-identical regardless of how the engine ordered keys.
func (s *Store) AppendEvent(ctx context.Context, ev event.Event, at time.Time) (int64, error) {
	payload, err := ev.Canonical()
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.Tag, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (tag, extra, payload, received_at)
		VALUES (?, ?, ?, ?)
	`,
		string(ev.Tag),
		ev.Extra,
		string(payload),
		at.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.Tag, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.Tag, err)
	}
	return seq, nil
}
