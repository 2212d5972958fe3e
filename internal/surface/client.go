package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kisaki/internal/ipc"
	"kisaki/internal/logging"
)

// ClientConfig configures a presentation-side connection.
type ClientConfig struct {
	Logger      *slog.Logger
	Header      http.Header
	DialTimeout time.Duration
	// Role is sent to the host as the role query parameter. Leave it empty
	// for windows; RoleCLI for control connections.
	Role string
}

type clientListener struct {
	id uint64
	fn func(ipc.Args)
}

// Client is the presentation side of the surface transport. Listeners may be
// registered before Connect so nothing the host flushes on attach is missed.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	listeners map[string][]clientListener
	pending   map[string]chan ipc.Frame
	nextID    uint64
	closed    bool
	done      chan struct{}
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:       cfg,
		logger:    logging.Component(cfg.Logger, "surface-client"),
		listeners: make(map[string][]clientListener),
		pending:   make(map[string]chan ipc.Frame),
		done:      make(chan struct{}),
	}
}

// Dial creates a client and connects it to rawURL.
func Dial(ctx context.Context, rawURL string, cfg ClientConfig) (*Client, error) {
	c := NewClient(cfg)
	if err := c.Connect(ctx, rawURL); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the host and starts reading frames.
func (c *Client) Connect(ctx context.Context, rawURL string) error {
	target, err := withRole(rawURL, c.cfg.Role)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", rawURL, err)
	}

	c.mu.Lock()
	if c.conn != nil || c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("client already connected")
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("connected", "url", rawURL, "role", c.cfg.Role)
	go c.readLoop(conn)
	return nil
}

func withRole(rawURL, role string) (string, error) {
	if role == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse host url: %w", err)
	}
	q := u.Query()
	q.Set(roleParam, role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.shutdown()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		var frame ipc.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid frame", "error", err)
			continue
		}
		switch frame.Type {
		case ipc.FrameSend:
			c.dispatch(frame.Channel, frame.Args)
		case ipc.FrameReply:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		default:
			c.logger.Debug("ignoring frame", "type", frame.Type)
		}
	}
}

// shutdown fails every pending invoke and marks the client closed.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed && c.pending == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(c.done)
}

func (c *Client) dispatch(channel string, args ipc.Args) {
	c.mu.Lock()
	subs := append([]clientListener(nil), c.listeners[channel]...)
	c.mu.Unlock()
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("listener panic", "channel", channel, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			sub.fn(args)
		}()
	}
}

// On registers fn for messages the host sends on channel.
func (c *Client) On(channel string, fn func(ipc.Args)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[channel] = append(c.listeners[channel], clientListener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.listeners[channel]
			for i, s := range subs {
				if s.id == id {
					c.listeners[channel] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe is On, satisfying the events bridge.
func (c *Client) Subscribe(channel string, fn func(ipc.Args)) func() {
	return c.On(channel, fn)
}

// Post sends a no-reply message to the host.
func (c *Client) Post(channel string, args ...any) error {
	encoded, err := ipc.EncodeArgs(args...)
	if err != nil {
		return err
	}
	return c.write(ipc.Frame{Type: ipc.FrameSend, Channel: channel, Args: encoded})
}

// Send is Post with failures logged instead of returned.
func (c *Client) Send(channel string, args ...any) {
	if err := c.Post(channel, args...); err != nil {
		c.logger.Warn("send failed", "channel", channel, "error", err)
	}
}

// Invoke calls the host handler for channel and returns its JSON result.
func (c *Client) Invoke(ctx context.Context, channel string, args ...any) (json.RawMessage, error) {
	encoded, err := ipc.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	reply := make(chan ipc.Frame, 1)
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.write(ipc.Frame{Type: ipc.FrameInvoke, ID: id, Channel: channel, Args: encoded}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case f, ok := <-reply:
		if !ok {
			return nil, ErrClosed
		}
		if f.Error != "" {
			return nil, &ipc.RemoteError{Channel: channel, Message: f.Error}
		}
		return f.Result, nil
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) write(f ipc.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close ends the connection. Pending invokes fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.shutdown()
		return nil
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := conn.Close()
	<-c.done
	return err
}
