package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-app/parlo-go/pkg/core"
)

// wsTransport carries the control protocol over a websocket. Audio
// arrives as base64 deltas on the control stream instead of RTP, so this
// transport suits text-first surfaces and networks without usable UDP.
type wsTransport struct {
	cfg *SessionConfig
	log *slog.Logger

	onMessage func([]byte)
	onClosed  func(*core.Error)

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// gorilla permits one concurrent writer per connection.
	writeMu sync.Mutex
}

func newWSTransport(cfg *SessionConfig, log *slog.Logger, onMessage func([]byte), onClosed func(*core.Error)) *wsTransport {
	return &wsTransport{
		cfg:       cfg,
		log:       log,
		onMessage: onMessage,
		onClosed:  onClosed,
		ready:     make(chan struct{}),
	}
}

// Dial opens the websocket and starts the read loop. The socket itself
// is the control channel, so it is ready as soon as the handshake
// completes.
func (t *wsTransport) Dial(ctx context.Context, credential string) *core.Error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HTTPTimeout}
	conn, resp, err := dialer.DialContext(ctx, websocketURL(t.cfg.RealtimeURL, t.cfg.Model), header)
	if err != nil {
		if resp != nil {
			msg := fmt.Sprintf("websocket handshake failed: %d", resp.StatusCode)
			return core.NewSignalingError(msg).WithCode(strconv.Itoa(resp.StatusCode))
		}
		return core.Wrap(core.ErrSignaling, "websocket dial failed", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })

	go t.readLoop(conn)
	return nil
}

func (t *wsTransport) WaitChannel(ctx context.Context) *core.Error {
	timer := time.NewTimer(t.cfg.ChannelOpenTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return nil
	case <-timer.C:
		return core.NewChannelError(fmt.Sprintf("websocket did not open within %s", t.cfg.ChannelOpenTimeout))
	case <-ctx.Done():
		return core.Wrap(core.ErrChannel, "websocket wait interrupted", ctx.Err())
	}
}

func (t *wsTransport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

func (t *wsTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return core.NewChannelError("websocket not open")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.Wrap(core.ErrChannel, "send control frame", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage, msg, deadline)
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.Debug("websocket read ended", "error", err)
				if t.onClosed != nil {
					t.onClosed(core.Wrap(core.ErrConnection, "websocket closed", err))
				}
			}
			return
		}
		if t.onMessage != nil {
			t.onMessage(data)
		}
	}
}
