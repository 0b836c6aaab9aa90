package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tdlink/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	JournalFlags
	After int64
	Limit int
	Tag   string // optional - filter to one event tag
}

// TraceRecord is one event log row as printed by the CLI.
type TraceRecord struct {
	Seq        int64           `json:"seq"`
	Tag        string          `json:"tag"`
	Extra      string          `json:"extra,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// TraceResult holds the trace output.
type TraceResult struct {
	Events  []TraceRecord `json:"events"`
	LastSeq int64         `json:"last_seq"`
}

func (r TraceResult) String() string {
	if len(r.Events) == 0 {
		return "No events recorded."
	}
	var b strings.Builder
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "%6d  %s  %-40s %-12s %s\n",
			ev.Seq, ev.ReceivedAt.Format(time.RFC3339Nano), ev.Tag, ev.Extra, ev.Payload)
	}
	fmt.Fprintf(&b, "%d event(s), last seq %d", len(r.Events), r.LastSeq)
	return b.String()
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the recorded event log",
		Long: `Show events recorded in the journal's event log (store.trace: true).

Events are listed in arrival order with their canonical JSON payload. Use
--after with the last printed seq to page through a long log.

Examples:
  tdlink trace --db ./tdlink.db
  tdlink trace --db ./tdlink.db --tag updateNewMessage --limit 20
  tdlink trace --after 1200 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "journal path or DSN (defaults to store.dsn from the configuration)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "sqlite3", "journal driver for --db (sqlite3|postgres)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with a greater seq")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of events read (0 for all)")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "filter to one event tag")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	j, err := openJournal(opts.RootOptions, f, opts.JournalFlags)
	if err != nil {
		return err
	}
	defer j.Close()

	records, err := j.ReadEvents(cmd.Context(), opts.After, opts.Limit)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to read events", err)
	}

	result := TraceResult{Events: []TraceRecord{}, LastSeq: opts.After}
	for _, rec := range records {
		result.LastSeq = rec.Seq
		if opts.Tag != "" && string(rec.Tag) != opts.Tag {
			continue
		}
		result.Events = append(result.Events, newTraceRecord(rec))
	}
	return f.Success(result)
}

func newTraceRecord(rec store.EventRecord) TraceRecord {
	return TraceRecord{
		Seq:        rec.Seq,
		Tag:        string(rec.Tag),
		Extra:      rec.Extra,
		ReceivedAt: rec.ReceivedAt.UTC(),
		Payload:    json.RawMessage(rec.Payload),
	}
}
