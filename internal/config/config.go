// Package config loads the tdlink YAML configuration.
//
// A file is decoded twice: once into a generic document that is checked
// against the embedded CUE schema (types, enums, unknown keys), then onto
// the defaults returned by Default.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

type Config struct {
	Engine         EngineConfig      `yaml:"engine"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	ReadyTimeout   time.Duration     `yaml:"ready_timeout"`
	EffectTimeout  time.Duration     `yaml:"effect_timeout"`
	CloseTimeout   time.Duration     `yaml:"close_timeout"`
	CleanupDelay   time.Duration     `yaml:"cleanup_delay"`
	Parameters     map[string]any    `yaml:"parameters"`
	Credentials    CredentialsConfig `yaml:"credentials"`
	Store          StoreConfig       `yaml:"store"`
	Log            LogConfig         `yaml:"log"`
}

type EngineConfig struct {
	URL          string            `yaml:"url"`
	DialTimeout  time.Duration     `yaml:"dial_timeout"`
	ExecTimeout  time.Duration     `yaml:"exec_timeout"`
	PingInterval time.Duration     `yaml:"ping_interval"`
	Headers      map[string]string `yaml:"headers"`
}

type CredentialsConfig struct {
	Phone    string `yaml:"phone"`
	Code     string `yaml:"code"`
	Password string `yaml:"password"`
}

// StoreConfig selects the journal. An empty DSN disables persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Trace  bool   `yaml:"trace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DialTimeout:  10 * time.Second,
			ExecTimeout:  5 * time.Second,
			PingInterval: 30 * time.Second,
		},
		RequestTimeout: 10 * time.Second,
		ReadyTimeout:   2 * time.Minute,
		EffectTimeout:  30 * time.Second,
		CloseTimeout:   10 * time.Second,
		CleanupDelay:   time.Minute,
		Parameters:     map[string]any{},
		Store:          StoreConfig{Driver: "sqlite3"},
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

// ValidationError lists every schema violation found in one document.
type ValidationError struct {
	Source   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration:\n  %s", e.Source, strings.Join(e.Problems, "\n  "))
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse validates data and decodes it onto the defaults. source names the
// document in errors.
func Parse(source string, data []byte) (*Config, error) {
	if err := Validate(source, data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	if cfg.Parameters == nil {
		cfg.Parameters = map[string]any{}
	}
	if err := cfg.check(); err != nil {
		return nil, &ValidationError{Source: source, Problems: []string{err.Error()}}
	}
	return cfg, nil
}

// Validate checks data against the schema without decoding it.
func Validate(source string, data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	if doc == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		var problems []string
		for _, e := range cueerrors.Errors(err) {
			problems = append(problems, e.Error())
		}
		return &ValidationError{Source: source, Problems: problems}
	}
	return nil
}

// check enforces the rules the schema cannot express.
func (c *Config) check() error {
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if c.Store.Trace && c.Store.DSN == "" {
		return fmt.Errorf("store.trace needs store.dsn")
	}
	return nil
}

// SlogLevel maps Log.Level to a slog level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
