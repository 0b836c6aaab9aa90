package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tdlink/internal/config"
)

func TestNewLogger_LevelFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger := newLogger(&buf, &RootOptions{Format: "text", NoColor: true}, cfg)
	logger.Info("hidden")
	logger.Warn("shown", "error", errors.New("boom"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "boom")
}

func TestNewLogger_VerboseWins(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"

	var buf bytes.Buffer
	logger := newLogger(&buf, &RootOptions{Format: "text", Verbose: true, NoColor: true}, cfg)
	logger.Debug("detail")
	assert.Contains(t, buf.String(), "detail")
}

func TestNewLogger_JSON(t *testing.T) {
	tests := []struct {
		name string
		opts *RootOptions
		cfg  func() *config.Config
	}{
		{"format flag", &RootOptions{Format: "json"}, func() *config.Config { return nil }},
		{"log.format", &RootOptions{Format: "text"}, func() *config.Config {
			cfg := config.Default()
			cfg.Log.Format = "json"
			return cfg
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newLogger(&buf, tt.opts, tt.cfg()).Info("hello", "chat_id", 42)

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, "hello", line["msg"])
			assert.Equal(t, float64(42), line["chat_id"])
		})
	}
}
