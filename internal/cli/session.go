package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/roach88/tdlink/internal/bridge/wsbridge"
	"github.com/roach88/tdlink/internal/client"
	"github.com/roach88/tdlink/internal/config"
	"github.com/roach88/tdlink/internal/correlator"
	"github.com/roach88/tdlink/internal/lifecycle"
	"github.com/roach88/tdlink/internal/store"
)

// closeGrace is added to the engine close timeout for tearing down the
// remaining components.
const closeGrace = 5 * time.Second

// loadConfig reads the configuration file and reports failures through f.
func loadConfig(f *OutputFormatter, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		f.VerboseLog("Loaded configuration from %s", path)
		return cfg, nil
	}

	var verr *config.ValidationError
	if errors.As(err, &verr) {
		if outErr := f.Error(ErrCodeConfig, "invalid configuration", verr.Problems); outErr != nil {
			return nil, outErr
		}
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, fmt.Sprintf("configuration file not found: %s", path), err)
	}
	return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to read configuration", err)
}

// session is one configured client and the journal it owns.
type session struct {
	client  *client.Client
	journal store.Journal
	logger  *slog.Logger

	closeTimeout time.Duration
}

// openSession builds the engine bridge, journal and client described by cfg.
// Nothing is dialled until the client starts.
func openSession(cfg *config.Config, creds lifecycle.CredentialProvider, logger *slog.Logger) (*session, error) {
	if cfg.Engine.URL == "" {
		return nil, errors.New("engine.url is not configured")
	}

	header := http.Header{}
	for k, v := range cfg.Engine.Headers {
		header.Set(k, v)
	}
	b := wsbridge.New(cfg.Engine.URL,
		wsbridge.WithHeader(header),
		wsbridge.WithDialTimeout(cfg.Engine.DialTimeout),
		wsbridge.WithExecTimeout(cfg.Engine.ExecTimeout),
		wsbridge.WithKeepalive(cfg.Engine.PingInterval, 0),
		wsbridge.WithLogger(logger.With("component", "wsbridge")),
	)

	opts := []client.Option{
		client.WithParameters(cfg.Parameters),
		client.WithRequestTimeout(cfg.RequestTimeout),
		client.WithEffectTimeout(cfg.EffectTimeout),
		client.WithCloseTimeout(cfg.CloseTimeout),
		client.WithLogger(logger),
	}

	s := &session{logger: logger, closeTimeout: cfg.CloseTimeout}
	if cfg.Store.DSN != "" {
		j, err := store.OpenJournal(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.journal = j
		opts = append(opts, client.WithJournal(j))
		if cfg.Store.Trace {
			opts = append(opts, client.WithEventTrace())
		}
	}

	s.client = client.New(b, creds, opts...)
	return s, nil
}

// close shuts the client down, then the journal. It runs on its own deadline
// so an interrupted command still shuts down in order.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout+closeGrace)
	defer cancel()

	err := s.client.Close(ctx)
	if s.journal != nil {
		if jerr := s.journal.Close(); jerr != nil {
			err = errors.Join(err, fmt.Errorf("close journal: %w", jerr))
		}
	}
	return err
}

// credentials answers from the configuration first and prompts for anything
// it leaves out.
func credentials(cfg config.CredentialsConfig, in io.Reader, out io.Writer) lifecycle.CredentialProvider {
	static := lifecycle.StaticCredentials{
		Phone:    cfg.Phone,
		Code:     cfg.Code,
		Password: cfg.Password,
	}
	prompt := &lifecycle.PromptCredentials{In: in, Out: out}
	return lifecycle.CredentialFunc(func(ctx context.Context, stage lifecycle.Stage) (string, error) {
		v, err := static.Credential(ctx, stage)
		if errors.Is(err, lifecycle.ErrNoCredential) {
			return prompt.Credential(ctx, stage)
		}
		return v, err
	})
}

// requestFailure maps an engine-side error to an exit error.
func requestFailure(f *OutputFormatter, message string, err error) error {
	switch {
	case correlator.IsEngineError(err), correlator.IsTimeout(err):
		return f.Fail(ExitFailure, ErrCodeRequest, message, err)
	case errors.Is(err, lifecycle.ErrClosed), correlator.IsDeadClient(err),
		errors.Is(err, context.DeadlineExceeded):
		return f.Fail(ExitFailure, ErrCodeConnect, message, err)
	default:
		return f.Fail(ExitFailure, ErrCodeGeneric, message, err)
	}
}
