// Package messages sends, edits and deletes chat messages on top of the
// correlator.
//
// Message ids handed out by SendText and SendFile are provisional until the
// engine confirms the send. Every id a caller passes back in (reply targets,
// edits, deletions) is resolved through the remapper first, so callers may
// keep using the provisional id after the confirmation arrives.
package messages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/tdlink/internal/correlator"
	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/schedule"
)

// ErrNoScheduler is returned when a cleanup is requested from a Sender built
// without a scheduler.
var ErrNoScheduler = errors.New("file cleanup requested without a scheduler")

// Requester submits requests to the engine. Implemented by
// *correlator.Correlator.
type Requester interface {
	Fetch(ctx context.Context, req correlator.Request, opts ...correlator.CallOption) (event.Event, error)
}

// Readiness blocks until the client may send. Implemented by
// *lifecycle.Machine.
type Readiness interface {
	WaitReady(ctx context.Context) error
}

// Resolver maps provisional message ids to confirmed ones. Implemented by
// *remap.Remapper.
type Resolver interface {
	Resolve(id int64) int64
	ResolveAll(ids []int64) []int64
}

// Chats is the set of chats the engine has announced.
type Chats interface {
	Known(chatID int64) bool
	Add(chatID int64)
}

// Sender is the message collaborator.
//
// Thread-safety: all methods are safe for concurrent use.
type Sender struct {
	requester Requester
	ready     Readiness
	ids       Resolver
	chats     Chats
	scheduler *schedule.Scheduler
	remove    func(path string) error
	logger    *slog.Logger
}

// Option configures a Sender.
type Option func(*Sender)

// WithScheduler enables WithCleanup on SendFile.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(m *Sender) {
		m.scheduler = s
	}
}

// WithRemoveFunc replaces os.Remove for scheduled cleanups.
func WithRemoveFunc(fn func(path string) error) Option {
	return func(m *Sender) {
		if fn != nil {
			m.remove = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Sender) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Sender.
func New(r Requester, ready Readiness, ids Resolver, chats Chats, opts ...Option) *Sender {
	m := &Sender{
		requester: r,
		ready:     ready,
		ids:       ids,
		chats:     chats,
		remove:    os.Remove,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendOption customises one send.
type SendOption func(*sendConfig)

type sendConfig struct {
	replyTo int64
	caption string
	silent  bool
	cleanup time.Duration
	call    []correlator.CallOption
}

// WithReplyTo makes the message a reply to id. The id may be provisional.
func WithReplyTo(id int64) SendOption {
	return func(c *sendConfig) {
		c.replyTo = id
	}
}

// WithCaption sets the caption of a file message.
func WithCaption(text string) SendOption {
	return func(c *sendConfig) {
		c.caption = text
	}
}

// WithSilent sends without a notification.
func WithSilent() SendOption {
	return func(c *sendConfig) {
		c.silent = true
	}
}

// WithCleanup removes the local file d after SendFile returns, whether the
// send succeeded or not.
func WithCleanup(d time.Duration) SendOption {
	return func(c *sendConfig) {
		c.cleanup = d
	}
}

// WithTimeout bounds the engine round trip.
func WithTimeout(d time.Duration) SendOption {
	return func(c *sendConfig) {
		c.call = append(c.call, correlator.WithTimeout(d))
	}
}

// SendText sends a text message and returns its provisional id.
func (m *Sender) SendText(ctx context.Context, chatID int64, text string, opts ...SendOption) (int64, error) {
	cfg := applySendOptions(opts)
	content := map[string]any{
		"@type": "inputMessageText",
		"text":  formattedText(text),
	}
	return m.send(ctx, chatID, content, cfg)
}

// SendFile sends the local file at path as a document and returns the
// message's provisional id.
func (m *Sender) SendFile(ctx context.Context, chatID int64, path string, opts ...SendOption) (int64, error) {
	cfg := applySendOptions(opts)
	if cfg.cleanup > 0 && m.scheduler == nil {
		return 0, ErrNoScheduler
	}

	content := map[string]any{
		"@type":    "inputMessageDocument",
		"document": map[string]any{"@type": "inputFileLocal", "path": path},
	}
	if cfg.caption != "" {
		content["caption"] = formattedText(cfg.caption)
	}

	id, err := m.send(ctx, chatID, content, cfg)
	if cfg.cleanup > 0 {
		m.scheduleCleanup(path, cfg.cleanup)
	}
	return id, err
}

// EditText replaces the text of a message.
func (m *Sender) EditText(ctx context.Context, chatID, messageID int64, text string, opts ...SendOption) error {
	cfg := applySendOptions(opts)
	if err := m.ready.WaitReady(ctx); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}

	resolved := m.ids.Resolve(messageID)
	req := correlator.Request{
		"@type":      "editMessageText",
		"chat_id":    chatID,
		"message_id": resolved,
		"input_message_content": map[string]any{
			"@type": "inputMessageText",
			"text":  formattedText(text),
		},
	}
	if _, err := m.requester.Fetch(ctx, req, cfg.call...); err != nil {
		return fmt.Errorf("edit message %d in chat %d: %w", resolved, chatID, err)
	}
	m.logger.Debug("message edited", "chat_id", chatID, "message_id", resolved)
	return nil
}

// Delete deletes messages for everyone.
func (m *Sender) Delete(ctx context.Context, chatID int64, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.ready.WaitReady(ctx); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	resolved := m.ids.ResolveAll(ids)
	req := correlator.Request{
		"@type":       "deleteMessages",
		"chat_id":     chatID,
		"message_ids": resolved,
		"revoke":      true,
	}
	if _, err := m.requester.Fetch(ctx, req); err != nil {
		return fmt.Errorf("delete %d messages in chat %d: %w", len(ids), chatID, err)
	}
	m.logger.Debug("messages deleted", "chat_id", chatID, "count", len(ids))
	return nil
}

func (m *Sender) send(ctx context.Context, chatID int64, content map[string]any, cfg sendConfig) (int64, error) {
	if err := m.ready.WaitReady(ctx); err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	if err := m.ensureChat(ctx, chatID, cfg); err != nil {
		return 0, err
	}

	req := correlator.Request{
		"@type":                 "sendMessage",
		"chat_id":               chatID,
		"input_message_content": content,
	}
	if cfg.replyTo != 0 {
		req["reply_to"] = map[string]any{
			"@type":      "inputMessageReplyToMessage",
			"message_id": m.ids.Resolve(cfg.replyTo),
		}
	}
	if cfg.silent {
		req["options"] = map[string]any{
			"@type":                "messageSendOptions",
			"disable_notification": true,
		}
	}

	reply, err := m.requester.Fetch(ctx, req, cfg.call...)
	if err != nil {
		return 0, fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	id, ok := reply.Int("id")
	if !ok {
		return 0, fmt.Errorf("send message to chat %d: reply %s has no id", chatID, reply.Tag)
	}

	m.logger.Debug("message sent", "chat_id", chatID, "message_id", id)
	return id, nil
}

// ensureChat loads a chat the engine has not announced yet. The engine
// rejects sends to chats it does not know.
func (m *Sender) ensureChat(ctx context.Context, chatID int64, cfg sendConfig) error {
	if m.chats == nil || m.chats.Known(chatID) {
		return nil
	}
	if _, err := m.requester.Fetch(ctx, correlator.Request{"@type": "getChat", "chat_id": chatID}, cfg.call...); err != nil {
		return fmt.Errorf("load chat %d: %w", chatID, err)
	}
	m.chats.Add(chatID)
	return nil
}

func (m *Sender) scheduleCleanup(path string, after time.Duration) {
	m.scheduler.After(after, func() {
		if err := m.remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("file cleanup failed", "path", path, "error", err)
			return
		}
		m.logger.Debug("file cleaned up", "path", path)
	})
}

func applySendOptions(opts []SendOption) sendConfig {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func formattedText(text string) map[string]any {
	return map[string]any{"@type": "formattedText", "text": text}
}
