package transcript

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Default connection constants.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultMaxMessageSize   = 4 * 1024 * 1024
	DefaultCloseGracePeriod = 2 * time.Second
)

// Conn is the subset of *websocket.Conn a session uses. ReadMessage is only
// called from the session's reader goroutine; WriteControl and Close may be
// called concurrently with it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens the transport for a channel URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Header         http.Header
	DialTimeout    time.Duration
	MaxMessageSize int64
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	limit := d.MaxMessageSize
	if limit == 0 {
		limit = DefaultMaxMessageSize
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(limit)
	return conn, nil
}
