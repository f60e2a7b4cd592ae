// Package bridge connects to a WhatsApp session bridge over WebSocket. The bridge (a
// whatsapp-web.js style process) owns the protocol; this side only exchanges JSON frames.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/wa-responder/internal/identifier"
	"github.com/comigor/wa-responder/internal/intake"
	"github.com/comigor/wa-responder/internal/logger"
)

const maxBackoff = 30 * time.Second

// Dispatcher receives inbound events.
type Dispatcher interface {
	Dispatch(ev intake.Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ev intake.Event)

func (f DispatcherFunc) Dispatch(ev intake.Event) { f(ev) }

// frame is the JSON shape exchanged with the bridge.
type frame struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	Chat      string `json:"chat,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
	ID        string `json:"id,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	IsGroup   bool   `json:"is_group,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Bridge struct {
	url      string
	dispatch Dispatcher
	tenantID string

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn

	connected  atomic.Bool
	minBackoff time.Duration
}

func New(url, tenantID string, d Dispatcher) *Bridge {
	return &Bridge{url: url, dispatch: d, tenantID: tenantID, minBackoff: time.Second}
}

// Connected reports whether a WebSocket session is currently open.
func (b *Bridge) Connected() bool { return b.connected.Load() }

// Run reads frames until ctx is done, reconnecting with doubling backoff.
func (b *Bridge) Run(ctx context.Context) {
	logger.L.Info("starting session bridge", "url", b.url)

	defer b.drop()
	go func() {
		<-ctx.Done()
		b.drop()
	}()

	backoff := b.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		if conn == nil {
			if err := b.connect(ctx); err != nil {
				logger.L.Warn("session bridge connect failed", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = b.minBackoff
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.L.Warn("session bridge read error, will reconnect", "error", err)
			}
			b.drop()
			continue
		}
		b.handle(data)
	}
}

func (b *Bridge) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dial session bridge %s: %w", b.url, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.connected.Store(true)

	logger.L.Info("session bridge connected", "url", b.url)
	return nil
}

func (b *Bridge) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.connected.Store(false)
}

func (b *Bridge) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.L.Warn("invalid session bridge frame", "error", err)
		return
	}
	if f.Type != "message" {
		logger.L.Debug("session bridge frame ignored", "type", f.Type)
		return
	}
	if f.From == "" {
		return
	}

	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	ev := intake.Event{
		Source:    "bridge",
		Kind:      intake.KindChat,
		From:      f.From,
		MessageID: f.ID,
		Body:      f.Content,
		FromMe:    f.FromMe,
		IsGroup:   f.IsGroup || identifier.IsGroup(chat),
		TenantID:  b.tenantID,
		Timestamp: time.Now().UTC(),
	}
	if f.Timestamp > 0 {
		ev.Timestamp = time.Unix(f.Timestamp, 0).UTC()
	}
	b.dispatch.Dispatch(ev)
}

var ErrNotConnected = errors.New("session bridge not connected")

// SendText delivers a text message through the bridge.
func (b *Bridge) SendText(_ context.Context, to, text string) error {
	data, err := json.Marshal(frame{Type: "message", To: to, Content: text})
	if err != nil {
		return fmt.Errorf("marshal bridge message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrNotConnected
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send bridge message: %w", err)
	}
	return nil
}

// Status describes the bridge connection for the status endpoint.
func (b *Bridge) Status(context.Context) (map[string]any, error) {
	return map[string]any{
		"mode":      "bridge",
		"url":       strings.TrimSpace(b.url),
		"connected": b.Connected(),
	}, nil
}
