package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tdlink/internal/remap"
	"github.com/roach88/tdlink/internal/store"
)

func seedMappings(t *testing.T, ms ...remap.Mapping) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	for _, m := range ms {
		require.NoError(t, st.RecordMapping(context.Background(), m))
	}
	return path
}

func TestRemap_List(t *testing.T) {
	now := time.Now()
	db := seedMappings(t,
		remap.Mapping{OldID: 20, NewID: 200, ChatID: 1, ConfirmedAt: now},
		remap.Mapping{OldID: 10, NewID: 100, ChatID: 1, ConfirmedAt: now},
	)

	out, _, err := execute(t, "remap", "--db", db, "--format", "json")
	require.NoError(t, err)

	var list MappingList
	decodeData(t, out, &list)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, int64(10), list.Mappings[0].OldID)
	assert.Equal(t, int64(100), list.Mappings[0].NewID)
	assert.Equal(t, int64(20), list.Mappings[1].OldID)
}

func TestRemap_ListEmpty(t *testing.T) {
	db := seedMappings(t)

	out, _, err := execute(t, "remap", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "No mappings stored.\n", out)
}

func TestRemap_Resolve(t *testing.T) {
	db := seedMappings(t, remap.Mapping{OldID: 10, NewID: 100, ChatID: 7, ConfirmedAt: time.Now()})

	tests := []struct {
		name      string
		id        string
		wantNew   int64
		confirmed bool
	}{
		{"known id", "10", 100, true},
		{"unknown id resolves to itself", "11", 11, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, "remap", "--db", db, "--resolve", tt.id, "--format", "json")
			require.NoError(t, err)

			var view MappingView
			decodeData(t, out, &view)
			assert.Equal(t, tt.wantNew, view.NewID)
			assert.Equal(t, tt.confirmed, view.Confirmed)
		})
	}
}

func TestRemap_PruneBefore(t *testing.T) {
	now := time.Now()
	db := seedMappings(t,
		remap.Mapping{OldID: 1, NewID: 101, ConfirmedAt: now.Add(-48 * time.Hour)},
		remap.Mapping{OldID: 2, NewID: 102, ConfirmedAt: now.Add(-36 * time.Hour)},
		remap.Mapping{OldID: 3, NewID: 103, ConfirmedAt: now},
	)

	out, _, err := execute(t, "remap", "--db", db, "--prune-before", "24h", "--format", "json")
	require.NoError(t, err)
	var pruned PruneResult
	decodeData(t, out, &pruned)
	assert.Equal(t, int64(2), pruned.Removed)

	out, _, err = execute(t, "remap", "--db", db, "--format", "json")
	require.NoError(t, err)
	var list MappingList
	decodeData(t, out, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, int64(3), list.Mappings[0].OldID)
}

func TestRemap_JournalFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath, dbPath := writeConfig(t, dir, "ws://127.0.0.1:9000/engine")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.RecordMapping(context.Background(), remap.Mapping{OldID: 5, NewID: 50, ConfirmedAt: time.Now()}))
	require.NoError(t, st.Close())

	out, _, err := execute(t, "remap", "-c", cfgPath, "--resolve", "5", "--format", "json")
	require.NoError(t, err)
	var view MappingView
	decodeData(t, out, &view)
	assert.Equal(t, int64(50), view.NewID)
}

func TestRemap_NoJournalConfigured(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tdlink.yaml", "engine:\n  url: ws://127.0.0.1:9000\n")

	out, _, err := execute(t, "remap", "-c", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "no journal configured")
}

func TestMappingView_String(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "10 -> 100 (chat 7, confirmed 2026-01-02T03:04:05Z)",
		MappingView{OldID: 10, NewID: 100, ChatID: 7, ConfirmedAt: at, Confirmed: true}.String())
	assert.Equal(t, "11 -> 11 (unconfirmed)", MappingView{OldID: 11, NewID: 11}.String())
}
