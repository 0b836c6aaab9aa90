// Package remap maps provisional local message ids to the ids the engine
// confirms once a send succeeds.
//
// The table is filled from updateMessageSendSucceeded events on the dispatch
// goroutine and read by any goroutine that edits or deletes messages. It is
// never pruned on its own; callers that need a bound use Prune.
//
// When a Journal is attached, every confirmation is also persisted by a
// single writer goroutine so that the dispatch goroutine never waits on
// storage, and Load restores the table on startup.
package remap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/fifo"
)

// Mapping is one confirmed identifier substitution.
type Mapping struct {
	OldID       int64
	NewID       int64
	ChatID      int64
	ConfirmedAt time.Time
}

// Journal persists mappings. Implemented by the SQLite and Postgres stores.
type Journal interface {
	RecordMapping(ctx context.Context, m Mapping) error
	LoadMappings(ctx context.Context) ([]Mapping, error)
}

// journalTimeout bounds one journal write.
const journalTimeout = 5 * time.Second

// Remapper is the identifier table.
//
// Thread-safety: all methods are safe for concurrent use.
type Remapper struct {
	journal Journal
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	ids    map[int64]Mapping
	frozen bool

	persist     *fifo.Queue[Mapping]
	persistDone chan struct{}
	closeOnce   sync.Once
}

// Option configures a Remapper.
type Option func(*Remapper)

// WithJournal persists confirmations and enables Load.
func WithJournal(j Journal) Option {
	return func(r *Remapper) {
		r.journal = j
	}
}

// WithClock overrides the confirmation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Remapper) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Remapper) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty Remapper.
func New(opts ...Option) *Remapper {
	r := &Remapper{
		now:         time.Now,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:         make(map[int64]Mapping),
		persistDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.journal != nil {
		r.persist = fifo.New[Mapping]()
		go r.writeLoop()
	} else {
		close(r.persistDone)
	}
	return r
}

// Handle records the mapping carried by a send confirmation. Other events
// are ignored.
func (r *Remapper) Handle(ev event.Event) {
	sent, ok := ev.AsSendSucceeded()
	if !ok {
		if ev.Tag == event.TagMessageSendSucceeded {
			r.logger.Warn("send confirmation without ids ignored", "extra", ev.Extra)
		}
		return
	}
	r.record(Mapping{OldID: sent.OldMessageID, NewID: sent.MessageID, ChatID: sent.ChatID})
}

// OnConfirmation stores oldID -> newID.
func (r *Remapper) OnConfirmation(oldID, newID int64) {
	r.record(Mapping{OldID: oldID, NewID: newID})
}

func (r *Remapper) record(m Mapping) {
	m.ConfirmedAt = r.now()

	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		r.logger.Debug("confirmation after freeze ignored", "old_id", m.OldID, "new_id", m.NewID)
		return
	}
	r.ids[m.OldID] = m
	// Queued under mu: Close freezes under mu before closing the queue, so
	// every mapping that reaches the table also reaches the journal.
	queued := r.persist == nil || r.persist.Push(m)
	r.mu.Unlock()

	if !queued {
		r.logger.Error("mapping not persisted: journal writer closed", "old_id", m.OldID, "new_id", m.NewID)
	}
	r.logger.Debug("message id confirmed", "old_id", m.OldID, "new_id", m.NewID, "chat_id", m.ChatID)
}

// Resolve returns the confirmed id for id, or id itself if none is known.
func (r *Remapper) Resolve(id int64) int64 {
	if newID, ok := r.Lookup(id); ok {
		return newID
	}
	return id
}

// Lookup returns the confirmed id for id and whether one is known.
func (r *Remapper) Lookup(id int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.ids[id]
	return m.NewID, ok
}

// ResolveAll resolves every id in ids, preserving order.
func (r *Remapper) ResolveAll(ids []int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(ids))
	for i, id := range ids {
		if m, ok := r.ids[id]; ok {
			out[i] = m.NewID
		} else {
			out[i] = id
		}
	}
	return out
}

// Len returns the number of stored mappings.
func (r *Remapper) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Snapshot returns every mapping ordered by old id.
func (r *Remapper) Snapshot() []Mapping {
	r.mu.Lock()
	out := make([]Mapping, 0, len(r.ids))
	for _, m := range r.ids {
		out = append(out, m)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OldID < out[j].OldID })
	return out
}

// Prune removes the mappings for which drop returns true and reports how
// many were removed. The journal is not touched.
func (r *Remapper) Prune(drop func(Mapping) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for old, m := range r.ids {
		if drop(m) {
			delete(r.ids, old)
			n++
		}
	}
	return n
}

// Freeze stops accepting confirmations. Reads keep working.
func (r *Remapper) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Load merges the journal's mappings into the table. Entries already present
// win over stored ones.
func (r *Remapper) Load(ctx context.Context) (int, error) {
	if r.journal == nil {
		return 0, nil
	}
	stored, err := r.journal.LoadMappings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load mappings: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range stored {
		if _, exists := r.ids[m.OldID]; exists {
			continue
		}
		r.ids[m.OldID] = m
		n++
	}
	return n, nil
}

// Close freezes the table, then waits until queued journal writes finish or
// ctx is done.
func (r *Remapper) Close(ctx context.Context) error {
	r.Freeze()
	r.closeOnce.Do(func() {
		if r.persist != nil {
			r.persist.Close()
		}
	})
	select {
	case <-r.persistDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single journal writer.
func (r *Remapper) writeLoop() {
	defer close(r.persistDone)
	for {
		m, ok := r.persist.TryPop()
		if ok {
			ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
			if err := r.journal.RecordMapping(ctx, m); err != nil {
				r.logger.Error("mapping not persisted",
					"old_id", m.OldID,
					"new_id", m.NewID,
					"error", err,
				)
			}
			cancel()
			continue
		}
		<-r.persist.Wait()
		if r.persist.Closed() && r.persist.Len() == 0 {
			return
		}
	}
}
