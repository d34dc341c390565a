package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/gorilla/websocket"
)

// WSFeed subscribes to JSON event frames at {base}/{scope}/_ws.
type WSFeed[T Keyed] struct {
	base        string
	dialer      *websocket.Dialer
	readTimeout time.Duration
}

// NewWSFeed binds a websocket feed to base; http(s) schemes are rewritten to ws(s).
// readTimeout bounds the silence between frames; zero disables it.
func NewWSFeed[T Keyed](base string, readTimeout time.Duration) *WSFeed[T] {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	return &WSFeed[T]{
		base: base,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		readTimeout: readTimeout,
	}
}

var _ Feed[blocks.Block] = (*WSFeed[blocks.Block])(nil)

// WithTLS sets the client TLS config used for wss:// endpoints.
func (f *WSFeed[T]) WithTLS(cfg *tls.Config) *WSFeed[T] {
	f.dialer.TLSClientConfig = cfg
	return f
}

func (f *WSFeed[T]) Open(ctx context.Context, scope string) (Stream[T], error) {
	conn, resp, err := f.dialer.DialContext(ctx, resourceURL(f.base, scope, "_ws"), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if serr := statusError(OpOpen, scope, "", resp); serr != nil {
				return nil, serr
			}
		}
		return nil, &blocks.TransportError{Op: OpOpen, Scope: scope, Err: err}
	}
	if f.readTimeout > 0 {
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}
	stream := newPumpStream[T](func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	go f.read(stream, scope, conn)
	return stream, nil
}

func (f *WSFeed[T]) read(stream *pumpStream[T], scope string, conn *websocket.Conn) {
	for {
		if f.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		}
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			stream.deliver(pumpResult[T]{err: &blocks.TransportError{Op: OpOpen, Scope: scope, Err: err}})
			return
		}
		if messageType != websocket.TextMessage || len(message) == 0 {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal(message, &w); err != nil {
			if !stream.deliver(pumpResult[T]{err: fmt.Errorf("%w: %v", ErrBadEvent, err)}) {
				return
			}
			continue
		}
		ev, err := decodeEvent[T](w.Kind, w.ID, w.Entity)
		if !stream.deliver(pumpResult[T]{ev: ev, err: err}) {
			return
		}
	}
}
