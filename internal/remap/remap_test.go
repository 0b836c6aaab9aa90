package remap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/testutil"
)

type memJournal struct {
	mu      sync.Mutex
	stored  []Mapping
	failErr error
	loadErr error
}

func (j *memJournal) RecordMapping(_ context.Context, m Mapping) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failErr != nil {
		return j.failErr
	}
	j.stored = append(j.stored, m)
	return nil
}

func (j *memJournal) LoadMappings(context.Context) ([]Mapping, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.loadErr != nil {
		return nil, j.loadErr
	}
	out := make([]Mapping, len(j.stored))
	copy(out, j.stored)
	return out, nil
}

func (j *memJournal) all() []Mapping {
	m, _ := j.LoadMappings(context.Background())
	return m
}

func confirmation(oldID, newID, chatID int64) event.Event {
	return event.New(event.TagMessageSendSucceeded, map[string]any{
		"old_message_id": oldID,
		"message":        map[string]any{"id": newID, "chat_id": chatID},
	})
}

func closeRemapper(t *testing.T, r *Remapper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestResolve_PassThrough(t *testing.T) {
	r := New()

	assert.Equal(t, int64(5), r.Resolve(5))

	r.OnConfirmation(5, 105)
	assert.Equal(t, int64(105), r.Resolve(5))
	assert.Equal(t, int64(105), r.Resolve(105))
	assert.Equal(t, int64(7), r.Resolve(7))

	_, ok := r.Lookup(105)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestHandle_SendSucceeded(t *testing.T) {
	r := New(WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	r.Handle(confirmation(1048576, 2097152, -100123))
	r.Handle(event.New(event.TagNewMessage, map[string]any{"message": map[string]any{"id": 9}}))

	assert.Equal(t, int64(2097152), r.Resolve(1048576))
	assert.Equal(t, 1, r.Len())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(-100123), snap[0].ChatID)
	assert.Equal(t, time.Unix(1700000000, 0), snap[0].ConfirmedAt)
}

func TestHandle_MalformedConfirmation(t *testing.T) {
	rec := testutil.NewLogRecorder()
	r := New(WithLogger(rec.Logger()))

	r.Handle(event.New(event.TagMessageSendSucceeded, map[string]any{"old_message_id": 1}))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, rec.Count("send confirmation without ids ignored"))
}

func TestHandle_StringEncodedIDs(t *testing.T) {
	r := New()
	r.Handle(event.New(event.TagMessageSendSucceeded, map[string]any{
		"old_message_id": "9007199254740993",
		"message":        map[string]any{"id": "9007199254740995"},
	}))
	assert.Equal(t, int64(9007199254740995), r.Resolve(9007199254740993))
}

func TestResolveAll(t *testing.T) {
	r := New()
	r.OnConfirmation(1, 101)
	r.OnConfirmation(3, 103)
	assert.Equal(t, []int64{101, 2, 103}, r.ResolveAll([]int64{1, 2, 3}))
}

func TestPrune(t *testing.T) {
	r := New()
	for i := int64(1); i <= 10; i++ {
		r.OnConfirmation(i, i+100)
	}
	n := r.Prune(func(m Mapping) bool { return m.OldID%2 == 0 })
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, int64(2), r.Resolve(2))
	assert.Equal(t, int64(101), r.Resolve(1))
}

func TestFreeze(t *testing.T) {
	r := New()
	r.OnConfirmation(1, 101)
	r.Freeze()
	r.OnConfirmation(2, 102)

	assert.Equal(t, int64(101), r.Resolve(1))
	assert.Equal(t, int64(2), r.Resolve(2))
}

func TestJournal_PersistsAndLoads(t *testing.T) {
	j := &memJournal{}
	r := New(WithJournal(j))
	r.Handle(confirmation(10, 110, 1))
	r.OnConfirmation(11, 111)
	closeRemapper(t, r)

	stored := j.all()
	require.Len(t, stored, 2)
	assert.Equal(t, int64(110), stored[0].NewID)
	assert.Equal(t, int64(1), stored[0].ChatID)

	restored := New(WithJournal(j))
	defer closeRemapper(t, restored)
	restored.OnConfirmation(11, 999)

	n, err := restored.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "live entry for 11 wins over the stored one")
	assert.Equal(t, int64(110), restored.Resolve(10))
	assert.Equal(t, int64(999), restored.Resolve(11))
}

func TestJournal_WriteFailureIsLogged(t *testing.T) {
	rec := testutil.NewLogRecorder()
	j := &memJournal{failErr: errors.New("disk full")}
	r := New(WithJournal(j), WithLogger(rec.Logger()))

	r.OnConfirmation(1, 2)
	closeRemapper(t, r)

	assert.Equal(t, int64(2), r.Resolve(1), "table still updated")
	got, ok := rec.Find("mapping not persisted")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Attrs["old_id"])
}

func TestLoad_Errors(t *testing.T) {
	n, err := New().Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r := New(WithJournal(&memJournal{loadErr: errors.New("no table")}))
	defer closeRemapper(t, r)
	_, err = r.Load(context.Background())
	assert.ErrorContains(t, err, "no table")
}

func TestConcurrentResolveDuringConfirmations(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 1000; i++ {
			r.OnConfirmation(i, i+10000)
		}
	}()
	go func() {
		defer wg.Done()
		for i := int64(0); i < 1000; i++ {
			got := r.Resolve(i)
			if got != i && got != i+10000 {
				t.Errorf("Resolve(%d) = %d", i, got)
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 1000, r.Len())
}

func TestJournal_CloseRacingConfirmations(t *testing.T) {
	for round := 0; round < 20; round++ {
		j := &memJournal{}
		r := New(WithJournal(j))

		var wg sync.WaitGroup
		for w := int64(0); w < 4; w++ {
			wg.Add(1)
			go func(base int64) {
				defer wg.Done()
				for i := int64(0); i < 200; i++ {
					r.OnConfirmation(base+i, base+i+100000)
				}
			}(w * 1000)
		}
		closeRemapper(t, r)
		wg.Wait()

		journaled := make(map[int64]bool)
		for _, m := range j.all() {
			journaled[m.OldID] = true
		}
		for _, m := range r.Snapshot() {
			require.True(t, journaled[m.OldID], "round %d: mapping %d in the table but not journaled", round, m.OldID)
		}
	}
}
