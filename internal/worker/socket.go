package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcerruti/jobwatchd/internal/dispatch"
	"github.com/mcerruti/jobwatchd/internal/reliability"
	"github.com/mcerruti/jobwatchd/internal/wire"
)

const (
	socketWriteTimeout = 3 * time.Second
	socketDialAttempts = 3
	socketDialBackoff  = 200 * time.Millisecond
)

// SocketLauncher dials an already-running extraction worker over a websocket.
// Used when the model runner lives in its own service instead of being
// spawned as a child process.
type SocketLauncher struct {
	wsURL  string
	dialer websocket.Dialer
}

func NewSocketLauncher(rawURL string) (*SocketLauncher, error) {
	wsURL, err := normalizeWorkerURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &SocketLauncher{
		wsURL: wsURL,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}, nil
}

func normalizeWorkerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("worker url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse worker url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported worker url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (l *SocketLauncher) Launch(ctx context.Context) (dispatch.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < socketDialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, socketDialBackoff, 2*time.Second)):
			}
		}
		conn, resp, err := l.dialer.DialContext(ctx, l.wsURL, nil)
		if err == nil {
			return newSocketConn(conn), nil
		}
		if resp != nil {
			lastErr = fmt.Errorf("worker dial failed (%s): %w", resp.Status, err)
		} else {
			lastErr = fmt.Errorf("worker dial failed: %w", err)
		}
	}
	return nil, lastErr
}

type socketConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan wire.Frame
	closed bool
}

func newSocketConn(conn *websocket.Conn) *socketConn {
	c := &socketConn{
		conn:   conn,
		frames: make(chan wire.Frame, 256),
	}
	go c.pump()
	return c
}

func (c *socketConn) pump() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.ParseFrame(json.RawMessage(data))
		if err != nil {
			continue
		}
		c.frames <- frame
	}
}

func (c *socketConn) Send(req wire.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *socketConn) Frames() <-chan wire.Frame { return c.frames }

func (c *socketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
