package cli

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"

	"github.com/roach88/tdlink/internal/config"
)

// newLogger builds the process logger. JSON output (either --format json or
// log.format: json) gets slog's JSON handler so log lines never mix with
// colored text; everything else goes through tint.
func newLogger(w io.Writer, opts *RootOptions, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	format := "text"
	if cfg != nil {
		level = cfg.SlogLevel()
		format = cfg.Log.Format
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if opts.Format == "json" {
		format = "json"
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    opts.NoColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	}))
}
