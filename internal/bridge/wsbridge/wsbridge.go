// Package wsbridge reaches a remote engine over a websocket.
//
// Each text frame carries one JSON engine object in either direction. The
// read loop is the bridge's callback goroutine; a single write loop owns all
// data frames and keepalive pings. Synchronous requests are emulated with a
// correlated round trip marked "@sync", answered on the read loop without
// reaching the callback.
package wsbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tdlink/internal/bridge"
	"github.com/roach88/tdlink/internal/event"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultExecTimeout  = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
	writeTimeout        = 10 * time.Second
	sendBuffer          = 256

	// SyncField marks a request the server must answer immediately.
	SyncField = "@sync"
)

// ErrConnectionLost is returned once the websocket has failed.
var ErrConnectionLost = errors.New("engine connection lost")

// Bridge implements bridge.Bridge over a websocket client connection.
type Bridge struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	dialTimeout  time.Duration
	execTimeout  time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	created   bool
	destroyed bool
	waiters   map[string]chan []byte
	syncSeq   uint64

	sendCh    chan []byte
	done      chan struct{} // closed by Destroy
	lost      chan struct{} // closed when the read loop exits
	writeDone chan struct{}
	closeOnce sync.Once
}

var _ bridge.Bridge = (*Bridge)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithHeader sets HTTP headers sent with the handshake (e.g. authorization).
func WithHeader(h http.Header) Option {
	return func(b *Bridge) {
		b.header = h.Clone()
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.dialTimeout = d
		}
	}
}

// WithExecTimeout bounds each emulated synchronous request.
func WithExecTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.execTimeout = d
		}
	}
}

// WithKeepalive sets the ping interval and the read deadline extended by
// each pong.
func WithKeepalive(ping, pong time.Duration) Option {
	return func(b *Bridge) {
		if ping > 0 {
			b.pingInterval = ping
		}
		if pong > 0 {
			b.pongTimeout = pong
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bridge for the engine at url (ws:// or wss://). Nothing is
// dialled until Create.
func New(url string, opts ...Option) *Bridge {
	b := &Bridge{
		url:          url,
		dialer:       websocket.DefaultDialer,
		dialTimeout:  defaultDialTimeout,
		execTimeout:  defaultExecTimeout,
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		waiters:      make(map[string]chan []byte),
		sendCh:       make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		lost:         make(chan struct{}),
		writeDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create dials the engine and starts the read and write loops.
func (b *Bridge) Create(cb bridge.Callback) error {
	if cb == nil {
		return fmt.Errorf("wsbridge: nil callback")
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return bridge.ErrDestroyed
	}
	if b.created {
		b.mu.Unlock()
		return bridge.ErrAlreadyCreated
	}
	b.created = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.dialTimeout)
	defer cancel()

	conn, _, err := b.dialer.DialContext(ctx, b.url, b.header)
	if err != nil {
		b.mu.Lock()
		b.created = false
		b.mu.Unlock()
		return fmt.Errorf("wsbridge: dial %s: %w", b.url, err)
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		_ = conn.Close()
		return bridge.ErrDestroyed
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info("engine connected", "url", b.url)

	go b.readLoop(conn, cb)
	go b.writeLoop(conn)
	return nil
}

// readLoop decodes frames and hands them to cb.
// CRITICAL: the only goroutine that invokes the callback.
func (b *Bridge) readLoop(conn *websocket.Conn, cb bridge.Callback) {
	defer close(b.lost)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(b.pongTimeout))

	sawClosed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if b.isDestroyed() {
				return
			}
			b.logger.Warn("engine connection lost", "url", b.url, "error", err)
			// The engine can no longer report its own shutdown; surface one so
			// the lifecycle reaches its terminal state.
			if !sawClosed {
				cb(event.New(event.TagClosed, nil))
			}
			return
		}

		ev, err := event.Decode(data)
		if err != nil {
			b.logger.Warn("undecodable engine frame dropped", "error", err, "bytes", len(data))
			continue
		}

		if ev.Extra != "" {
			if ch, ok := b.takeWaiter(ev.Extra); ok {
				ch <- data
				continue
			}
		}

		if ev.Tag == event.TagClosed {
			sawClosed = true
		}
		cb(ev)
	}
}

// writeLoop owns every data frame and the keepalive pings.
func (b *Bridge) writeLoop(conn *websocket.Conn) {
	defer close(b.writeDone)

	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-b.lost:
			return

		case msg := <-b.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.logger.Warn("engine write failed", "error", err)
				// Unblock the read loop; it reports the loss.
				_ = conn.Close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.logger.Warn("engine ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// Send queues req for the write loop.
func (b *Bridge) Send(req []byte) error {
	if err := b.usable(); err != nil {
		return err
	}
	select {
	case <-b.lost:
		return ErrConnectionLost
	default:
	}
	select {
	case b.sendCh <- req:
		return nil
	case <-b.done:
		return bridge.ErrDestroyed
	case <-b.lost:
		return ErrConnectionLost
	}
}

// Execute performs an emulated synchronous request. Only the engine's
// synchronous subset is accepted.
func (b *Bridge) Execute(req []byte) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(req, &obj); err != nil {
		return nil, fmt.Errorf("wsbridge: decode request: %w", err)
	}
	reqType, _ := obj[event.TypeField].(string)
	if !bridge.IsSynchronous(reqType) {
		return nil, fmt.Errorf("%s: %w", reqType, bridge.ErrNotSynchronous)
	}
	if err := b.usable(); err != nil {
		return nil, err
	}

	token, ch := b.addWaiter()
	defer b.takeWaiter(token)

	obj[event.ExtraField] = token
	obj[SyncField] = true
	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: encode %s: %w", reqType, err)
	}
	if err := b.Send(payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.execTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return stripSyncToken(reply)
	case <-timer.C:
		return nil, fmt.Errorf("wsbridge: %s: no reply within %s", reqType, b.execTimeout)
	case <-b.done:
		return nil, bridge.ErrDestroyed
	case <-b.lost:
		return nil, ErrConnectionLost
	}
}

// Destroy closes the connection and waits for both loops. It must not be
// called from the callback.
func (b *Bridge) Destroy() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.destroyed = true
		conn := b.conn
		b.mu.Unlock()

		close(b.done)
		if conn == nil {
			return
		}
		<-b.writeDone
		_ = conn.Close()
		<-b.lost
		b.logger.Info("engine disconnected", "url", b.url)
	})
	return nil
}

func (b *Bridge) usable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return bridge.ErrDestroyed
	}
	if b.conn == nil {
		return bridge.ErrNotCreated
	}
	return nil
}

func (b *Bridge) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *Bridge) addWaiter() (string, chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncSeq++
	token := fmt.Sprintf("sync-%d", b.syncSeq)
	ch := make(chan []byte, 1)
	b.waiters[token] = ch
	return token, ch
}

func (b *Bridge) takeWaiter(token string) (chan []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[token]
	if ok {
		delete(b.waiters, token)
	}
	return ch, ok
}

// stripSyncToken removes the round-trip markers so Execute's reply looks
// like a native synchronous answer.
func stripSyncToken(reply []byte) ([]byte, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(reply))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("wsbridge: decode reply: %w", err)
	}
	delete(obj, event.ExtraField)
	delete(obj, SyncField)
	return json.Marshal(obj)
}
