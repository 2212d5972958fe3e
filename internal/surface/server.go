// Package surface carries the message bus over WebSocket. The host runs a
// Server, which acts as the windowing Transport for an ipc.Bus; each
// presentation surface connects with a Client.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kisaki/internal/ipc"
	"kisaki/internal/logging"
	"kisaki/internal/metrics"
)

const (
	defaultAddr          = "127.0.0.1:7878"
	defaultPath          = "/ipc"
	defaultReadLimit     = 1 << 20
	defaultInvokeTimeout = 30 * time.Second
	writeTimeout         = 10 * time.Second
	shutdownTimeout      = 5 * time.Second
)

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("surface connection closed")

// RoleCLI marks a short-lived control connection, such as one made by the
// kisaki CLI. Control connections can post and invoke but are not surfaces:
// they never receive the pre-attach flush and never count as attached.
const RoleCLI = "cli"

const roleParam = "role"

// ServerConfig configures the host side of the surface transport.
type ServerConfig struct {
	Addr            string
	Path            string // WebSocket endpoint (default: /ipc)
	Logger          *slog.Logger
	Metrics         *metrics.MetricsCollector
	ReadLimit       int64
	InvokeTimeout   time.Duration
	MetricsEndpoint string // optional, e.g. /metrics
}

// Server accepts surface connections and implements ipc.Transport.
type Server struct {
	cfg       ServerConfig
	logger    *slog.Logger
	collector *metrics.MetricsCollector
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	surfaces []*wsSurface
	hooks    []func(ipc.Surface)
	receiver ipc.Receiver
}

// NewServer creates a server; nothing listens until ListenAndServe or Handler is used.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logging.Component(cfg.Logger, "surface"),
		collector: metrics.Or(cfg.Metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Surfaces are local webviews served from custom schemes.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Surfaces returns the connected surfaces in connection order.
func (s *Server) Surfaces() []ipc.Surface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ipc.Surface, 0, len(s.surfaces))
	for _, ws := range s.surfaces {
		if !ws.control {
			out = append(out, ws)
		}
	}
	return out
}

func (s *Server) OnSurfaceCreated(fn func(ipc.Surface)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Server) Bind(r ipc.Receiver) {
	s.mu.Lock()
	s.receiver = r
	s.mu.Unlock()
}

func (s *Server) Unbind() {
	s.mu.Lock()
	s.receiver = nil
	s.mu.Unlock()
}

func (s *Server) bound() ipc.Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiver
}

// Handler returns the HTTP handler serving the WebSocket endpoint, a health
// probe, and optionally metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.cfg.MetricsEndpoint != "" {
		mux.Handle(s.cfg.MetricsEndpoint, s.collector.Handler())
	}
	return mux
}

// ListenAndServe serves until ctx is done, then disconnects every surface and
// shuts the HTTP server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("surface server starting", "addr", ln.Addr().String(), "path", s.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown surface server: %w", err)
		}
		s.logger.Info("surface server stopped")
		return nil
	case err, ok := <-errCh:
		s.Close()
		if !ok {
			return nil
		}
		return err
	}
}

// Close disconnects every surface and cancels in-flight requests.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	surfaces := append([]*wsSurface(nil), s.surfaces...)
	s.mu.Unlock()
	for _, ws := range surfaces {
		ws.close()
	}
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n := len(s.Surfaces())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"surfaces": n,
		"uptime":   s.collector.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	ws := &wsSurface{
		id:      uuid.NewString(),
		conn:    conn,
		control: r.URL.Query().Get(roleParam) == RoleCLI,
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		ws.close()
		return
	}
	s.surfaces = append(s.surfaces, ws)
	var hooks []func(ipc.Surface)
	if !ws.control {
		hooks = slices.Clone(s.hooks)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.logger.Info("surface connected", "surface", ws.id, "control", ws.control, "remote", r.RemoteAddr)

	// Hooks run before any inbound frame is read.
	for _, fn := range hooks {
		fn(ws)
	}

	defer func() {
		ws.close()
		s.remove(ws)
		s.logger.Info("surface disconnected", "surface", ws.id, "control", ws.control)
	}()

	var invokes sync.WaitGroup
	defer invokes.Wait()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !ws.Destroyed() {
				s.logger.Warn("surface read error", "surface", ws.id, "error", err)
			}
			return
		}

		var frame ipc.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("invalid frame", "surface", ws.id, "error", err)
			continue
		}
		if err := frame.Validate(); err != nil {
			s.logger.Warn("invalid frame", "surface", ws.id, "error", err)
			continue
		}

		switch frame.Type {
		case ipc.FrameSend:
			if recv := s.bound(); recv != nil {
				recv.Receive(ws, frame.Channel, frame.Args)
			}
		case ipc.FrameInvoke:
			invokes.Add(1)
			go func(f ipc.Frame) {
				defer invokes.Done()
				s.serveInvoke(ws, f)
			}(frame)
		case ipc.FrameReply:
			s.logger.Debug("ignoring unsolicited reply", "surface", ws.id, "id", frame.ID)
		}
	}
}

func (s *Server) serveInvoke(ws *wsSurface, f ipc.Frame) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.InvokeTimeout)
	defer cancel()

	reply := ipc.Frame{Type: ipc.FrameReply, ID: f.ID}
	recv := s.bound()
	if recv == nil {
		reply.Error = fmt.Sprintf("%s for channel %q", ipc.ErrNoHandler, f.Channel)
	} else if result, err := recv.Request(ctx, ws, f.Channel, f.Args); err != nil {
		reply.Error = err.Error()
	} else if raw, err := json.Marshal(result); err != nil {
		reply.Error = fmt.Sprintf("encode result: %v", err)
	} else {
		reply.Result = raw
	}

	if err := ws.writeFrame(reply); err != nil {
		s.logger.Debug("reply not delivered", "surface", ws.id, "channel", f.Channel, "error", err)
	}
}

func (s *Server) remove(ws *wsSurface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.surfaces {
		if existing == ws {
			s.surfaces = append(s.surfaces[:i], s.surfaces[i+1:]...)
			return
		}
	}
}

// wsSurface is one connection. Control connections are tracked for shutdown
// but hidden from the bus.
type wsSurface struct {
	id      string
	conn    *websocket.Conn
	control bool

	mu        sync.Mutex
	destroyed bool
}

func (w *wsSurface) ID() string { return w.id }

func (w *wsSurface) Destroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

func (w *wsSurface) Send(channel string, args ipc.Args) error {
	return w.writeFrame(ipc.Frame{Type: ipc.FrameSend, Channel: channel, Args: args})
}

func (w *wsSurface) writeFrame(f ipc.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return ErrClosed
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.destroyed = true
		_ = w.conn.Close()
		return err
	}
	return nil
}

// Close disconnects the surface; the bus uses it to drop a stalled window.
func (w *wsSurface) Close() error {
	w.close()
	return nil
}

func (w *wsSurface) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return
	}
	w.destroyed = true
	_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"))
	_ = w.conn.Close()
}
