package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/messages"
	"github.com/roach88/tdlink/internal/schedule"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Chat    int64
	ReplyTo int64
	File    string
	Silent  bool
	Wait    time.Duration

	RemoveAfter bool
}

// SendResult is the outcome of one send.
type SendResult struct {
	ChatID        int64 `json:"chat_id"`
	ProvisionalID int64 `json:"provisional_id"`
	MessageID     int64 `json:"message_id,omitempty"`
	Confirmed     bool  `json:"confirmed"`
}

func (r SendResult) String() string {
	if r.Confirmed {
		return fmt.Sprintf("sent message %d to chat %d (confirmed as %d)", r.ProvisionalID, r.ChatID, r.MessageID)
	}
	return fmt.Sprintf("sent message %d to chat %d (unconfirmed)", r.ProvisionalID, r.ChatID)
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send --chat <id> [text...]",
		Short: "Send a message and wait for its confirmation",
		Long: `Log in, send one text message (or a file with --file, using the text as
its caption) and wait for the engine to confirm the final message id.

The provisional id returned by the engine and the confirmed id are both
printed; with a journal configured the mapping is persisted for later
edits and deletes.

Examples:
  tdlink send --chat 42 deploy finished
  tdlink send --chat 42 --reply-to 1048576 ack
  tdlink send --chat 42 --file ./report.pdf "nightly report" --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, strings.Join(args, " "), cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Chat, "chat", 0, "chat id (required)")
	_ = cmd.MarkFlagRequired("chat")
	cmd.Flags().Int64Var(&opts.ReplyTo, "reply-to", 0, "message id to reply to")
	cmd.Flags().StringVar(&opts.File, "file", "", "send this file as a document")
	cmd.Flags().BoolVar(&opts.Silent, "silent", false, "send without notification")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 10*time.Second, "how long to wait for the send confirmation")
	cmd.Flags().BoolVar(&opts.RemoveAfter, "remove-after", false, "delete --file after cleanup_delay (the command waits for it)")

	return cmd
}

func runSend(opts *SendOptions, text string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.File == "" && strings.TrimSpace(text) == "" {
		return NewExitError(ExitCommandError, "nothing to send: give a text or --file")
	}

	cfg, err := loadConfig(f, opts.Config)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.RootOptions, cfg)

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
	defer func() {
		if err := sess.close(); err != nil {
			logger.Error("client did not shut down cleanly", "error", err)
		}
	}()
	c := sess.client

	// Subscribed before sending so a fast confirmation is not missed.
	confirmations := make(chan event.SendSucceeded, 16)
	if _, err := c.Subscribe(event.TagMessageSendSucceeded, func(ev event.Event) {
		if s, ok := ev.AsSendSucceeded(); ok {
			select {
			case confirmations <- s:
			default:
			}
		}
	}); err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to subscribe", err)
	}

	if err := c.Start(ctx); err != nil {
		return f.Fail(ExitCommandError, ErrCodeConnect, "failed to start client", err)
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	err = c.WaitReady(rctx)
	cancel()
	if err != nil {
		return requestFailure(f, "client never became ready", err)
	}

	var sendOpts []messages.SendOption
	if opts.ReplyTo != 0 {
		sendOpts = append(sendOpts, messages.WithReplyTo(opts.ReplyTo))
	}
	if opts.Silent {
		sendOpts = append(sendOpts, messages.WithSilent())
	}

	var id int64
	if opts.File != "" {
		if text != "" {
			sendOpts = append(sendOpts, messages.WithCaption(text))
		}
		if opts.RemoveAfter {
			sendOpts = append(sendOpts, messages.WithCleanup(cfg.CleanupDelay))
		}
		id, err = c.Messages().SendFile(ctx, opts.Chat, opts.File, sendOpts...)
	} else {
		id, err = c.Messages().SendText(ctx, opts.Chat, text, sendOpts...)
	}
	if err != nil {
		return requestFailure(f, "send failed", err)
	}

	result := SendResult{ChatID: opts.Chat, ProvisionalID: id}
	if newID, ok := waitConfirmation(ctx, confirmations, id, opts.Wait); ok {
		result.MessageID = newID
		result.Confirmed = true
	} else {
		logger.Warn("send not confirmed", "id", id, "waited", opts.Wait)
	}

	if opts.File != "" && opts.RemoveAfter {
		logger.Info("waiting for file cleanup", "path", opts.File, "delay", cfg.CleanupDelay)
		waitScheduled(ctx, c.Scheduler())
	}
	return f.Success(result)
}

// waitScheduled blocks until s has no pending tasks or ctx is done.
func waitScheduled(ctx context.Context, s *schedule.Scheduler) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.Len() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// waitConfirmation waits for the confirmation of provisional id.
func waitConfirmation(ctx context.Context, ch <-chan event.SendSucceeded, id int64, d time.Duration) (int64, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case s := <-ch:
			if s.OldMessageID == id {
				return s.MessageID, true
			}
		case <-timer.C:
			return 0, false
		case <-ctx.Done():
			return 0, false
		}
	}
}
