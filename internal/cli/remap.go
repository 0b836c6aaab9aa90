package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tdlink/internal/remap"
)

// RemapOptions holds flags for the remap command.
type RemapOptions struct {
	*RootOptions
	JournalFlags
	Resolve     int64
	PruneBefore time.Duration
}

// MappingView is one stored mapping as printed by the CLI.
type MappingView struct {
	OldID       int64     `json:"old_id"`
	NewID       int64     `json:"new_id"`
	ChatID      int64     `json:"chat_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
	Confirmed   bool      `json:"confirmed"`
}

func newMappingView(m remap.Mapping) MappingView {
	return MappingView{
		OldID:       m.OldID,
		NewID:       m.NewID,
		ChatID:      m.ChatID,
		ConfirmedAt: m.ConfirmedAt.UTC(),
		Confirmed:   true,
	}
}

func (v MappingView) String() string {
	if !v.Confirmed {
		return fmt.Sprintf("%d -> %d (unconfirmed)", v.OldID, v.NewID)
	}
	return fmt.Sprintf("%d -> %d (chat %d, confirmed %s)", v.OldID, v.NewID, v.ChatID, v.ConfirmedAt.Format(time.RFC3339))
}

// MappingList is the output of a listing.
type MappingList struct {
	Mappings []MappingView `json:"mappings"`
	Total    int           `json:"total"`
}

func (l MappingList) String() string {
	if l.Total == 0 {
		return "No mappings stored."
	}
	var b strings.Builder
	for _, m := range l.Mappings {
		b.WriteString(m.String())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d mapping(s)", l.Total)
	return b.String()
}

// PruneResult reports a prune.
type PruneResult struct {
	Before  time.Time `json:"before"`
	Removed int64     `json:"removed"`
}

func (p PruneResult) String() string {
	return fmt.Sprintf("removed %d mapping(s) confirmed before %s", p.Removed, p.Before.Format(time.RFC3339))
}

// NewRemapCommand creates the remap command.
func NewRemapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemapOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "remap",
		Short: "Inspect stored message id mappings",
		Long: `List, resolve or prune the provisional -> confirmed message id mappings
persisted in the journal.

Resolving an id that has no mapping prints the id itself, the same answer
the client gives.

Examples:
  tdlink remap --db ./tdlink.db
  tdlink remap --db ./tdlink.db --resolve 1048576
  tdlink remap --prune-before 720h --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemap(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "journal path or DSN (defaults to store.dsn from the configuration)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "sqlite3", "journal driver for --db (sqlite3|postgres)")
	cmd.Flags().Int64Var(&opts.Resolve, "resolve", 0, "resolve one provisional id")
	cmd.Flags().DurationVar(&opts.PruneBefore, "prune-before", 0, "delete mappings confirmed longer ago than this")
	cmd.MarkFlagsMutuallyExclusive("resolve", "prune-before")

	return cmd
}

func runRemap(opts *RemapOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	j, err := openJournal(opts.RootOptions, f, opts.JournalFlags)
	if err != nil {
		return err
	}
	defer j.Close()

	switch {
	case opts.Resolve != 0:
		m, ok, err := j.LookupMapping(ctx, opts.Resolve)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to query mappings", err)
		}
		if !ok {
			return f.Success(MappingView{OldID: opts.Resolve, NewID: opts.Resolve})
		}
		return f.Success(newMappingView(m))

	case opts.PruneBefore > 0:
		before := time.Now().Add(-opts.PruneBefore)
		n, err := j.DeleteMappingsBefore(ctx, before)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to prune mappings", err)
		}
		return f.Success(PruneResult{Before: before.UTC(), Removed: n})

	default:
		stored, err := j.LoadMappings(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to query mappings", err)
		}
		list := MappingList{Mappings: make([]MappingView, 0, len(stored)), Total: len(stored)}
		for _, m := range stored {
			list.Mappings = append(list.Mappings, newMappingView(m))
		}
		return f.Success(list)
	}
}
