package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/lifecycle"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the engine and stay online",
		Long: `Connect to the engine, drive the authorization lifecycle and stay online
until interrupted. Lifecycle state changes are printed as they happen;
incoming messages are logged. Credentials missing from the configuration
are prompted for on the terminal.

Example:
  tdlink run --config ./tdlink.yaml
  tdlink run -c ./tdlink.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(rootOpts, cmd)
		},
	}
}

func runClient(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, err := loadConfig(f, opts.Config)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts, cfg)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(cfg, credentials(cfg.Credentials, cmd.InOrStdin(), cmd.ErrOrStderr()), logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to set up client", err)
	}
	c := sess.client

	if _, err := c.Subscribe(event.TagNewMessage, func(ev event.Event) {
		chatID, _ := ev.Int("message", "chat_id")
		msgID, _ := ev.Int("message", "id")
		logger.Info("message received", "chat_id", chatID, "id", msgID)
	}); err != nil {
		_ = sess.close()
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to subscribe", err)
	}

	states, cancelStates := c.StateChanges()
	if err := c.Start(ctx); err != nil {
		cancelStates()
		_ = sess.close()
		return f.Fail(ExitCommandError, ErrCodeConnect, "failed to start client", err)
	}
	logger.Info("client running", "engine", cfg.Engine.URL)

	g, gctx := errgroup.WithContext(ctx)

	// Status line per lifecycle change.
	g.Go(func() error {
		out := cmd.OutOrStdout()
		for s := range states {
			fmt.Fprintf(out, "state: %s\n", s)
			if s == lifecycle.Ready {
				st := c.Stats()
				logger.Info("client ready",
					"mappings", st.Mappings,
					"chats", st.Chats,
					"registrations", st.Registrations,
				)
			}
		}
		return nil
	})

	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, cfg.ReadyTimeout)
		defer cancel()
		err := c.WaitReady(rctx)
		if err == nil || gctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("client not ready after %s: %w", cfg.ReadyTimeout, err)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("shutting down")
		case <-c.Done():
			logger.Warn("engine closed the client")
		}
		err := sess.close()
		cancelStates()
		if err != nil {
			return fmt.Errorf("close client: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return requestFailure(f, "client stopped with an error", err)
	}
	logger.Info("client stopped gracefully")
	return nil
}
