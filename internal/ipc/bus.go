// Package ipc is the host side of the message bus between the host process
// and its presentation surfaces.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"sync"

	"kisaki/internal/logging"
	"kisaki/internal/metrics"
)

const (
	// DefaultMaxPending bounds the queue of messages sent before any surface exists.
	DefaultMaxPending = 200
	// DefaultOutboxSize bounds the messages waiting to be written to one surface.
	DefaultOutboxSize = 256
)

// Surface is one presentation endpoint, typically a window.
type Surface interface {
	ID() string
	Destroyed() bool
	Send(channel string, args Args) error
}

// Closer is implemented by surfaces the bus can disconnect. A surface whose
// outbox overflows is closed so it can reconnect and resynchronize.
type Closer interface {
	Close() error
}

// Transport is the windowing layer the bus rides on.
type Transport interface {
	Surfaces() []Surface
	OnSurfaceCreated(fn func(Surface))
	Bind(r Receiver)
	Unbind()
}

// Receiver accepts traffic arriving from surfaces.
type Receiver interface {
	Receive(from Surface, channel string, args Args)
	Request(ctx context.Context, from Surface, channel string, args Args) (any, error)
}

// Message is an incoming message as seen by listeners and handlers.
type Message struct {
	Sender  Surface
	Channel string
	Args    Args
}

// Listener observes no-reply messages on a channel.
type Listener func(Message)

// Handler serves request/reply calls on a channel.
type Handler func(ctx context.Context, msg Message) (any, error)

// Config configures a Bus.
type Config struct {
	Transport  Transport
	MaxPending int
	OutboxSize int
	Logger     *slog.Logger
	Metrics    *metrics.MetricsCollector
}

type listenerEntry struct {
	id uint64
	fn Listener
}

type pendingMessage struct {
	channel string
	args    Args
}

// Bus routes messages between the host and every live surface.
//
// Messages sent before the first surface attaches are queued (oldest evicted
// beyond MaxPending) and flushed to that surface before it goes live. Once any
// surface has attached, sends with no live surface are dropped.
//
// Each live surface has its own outbox drained by a writer goroutine, so Send
// never waits on a surface and a stalled surface delays nobody else.
type Bus struct {
	transport  Transport
	maxPending int
	outboxSize int
	logger     *slog.Logger

	sent      *metrics.Counter
	queued    *metrics.Counter
	dropped   *metrics.Counter
	failures  *metrics.Counter
	pendingG  *metrics.Gauge
	surfacesG *metrics.Gauge

	// deliverMu serializes enqueueing so each outbox receives messages in
	// issuance order and a flush is enqueued before the surface goes live.
	deliverMu sync.Mutex

	mu           sync.Mutex
	listeners    map[string][]listenerEntry
	handlers     map[string]Handler
	live         []*outbox
	pending      []pendingMessage
	everAttached bool
	nextID       uint64

	inflightMu sync.Mutex
	inflight   int
	idle       chan struct{}
}

// outbox is the ordered delivery queue for one surface.
type outbox struct {
	surface Surface
	ch      chan pendingMessage
	stop    chan struct{}
	once    sync.Once
}

func (o *outbox) close() { o.once.Do(func() { close(o.stop) }) }

// New creates a bus, binds it to the transport, and adopts any surfaces the
// transport already has.
func New(cfg Config) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("ipc: transport is required")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	c := metrics.Or(cfg.Metrics)
	b := &Bus{
		transport:  cfg.Transport,
		maxPending: cfg.MaxPending,
		outboxSize: cfg.OutboxSize,
		logger:     logging.Component(cfg.Logger, "ipc"),
		sent:       c.Counter(metrics.IPCSent, "Messages delivered to surfaces", ""),
		queued:     c.Counter(metrics.IPCQueued, "Messages queued before the first surface attached", ""),
		dropped:    c.Counter(metrics.IPCDropped, "Messages dropped with no live surface", ""),
		failures:   c.Counter(metrics.IPCDeliveryFailures, "Per-surface delivery failures", ""),
		pendingG:   c.Gauge(metrics.IPCPending, "Messages waiting for the first surface", ""),
		surfacesG:  c.Gauge(metrics.SurfacesAttached, "Live surfaces", ""),
		listeners:  make(map[string][]listenerEntry),
		handlers:   make(map[string]Handler),
	}

	cfg.Transport.Bind(b)
	cfg.Transport.OnSurfaceCreated(b.attach)
	for _, s := range cfg.Transport.Surfaces() {
		b.attach(s)
	}
	return b, nil
}

// On registers a listener for channel. Registering the same function twice
// yields two deliveries. The returned func removes this registration only.
func (b *Bus) On(channel string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[channel] = append(b.listeners[channel], listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeListener(channel, id) })
	}
}

// Subscribe adapts On for callers that only need the arguments.
func (b *Bus) Subscribe(channel string, fn func(Args)) func() {
	return b.On(channel, func(m Message) { fn(m.Args) })
}

func (b *Bus) removeListener(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[channel]
	for i, e := range entries {
		if e.id == id {
			b.listeners[channel] = append(entries[:i:i], entries[i+1:]...)
			if len(b.listeners[channel]) == 0 {
				delete(b.listeners, channel)
			}
			return
		}
	}
}

// Handle installs the request/reply handler for channel, replacing any previous one.
func (b *Bus) Handle(channel string, h Handler) {
	b.mu.Lock()
	_, replaced := b.handlers[channel]
	b.handlers[channel] = h
	b.mu.Unlock()
	if replaced {
		b.logger.Debug("handler replaced", "channel", channel)
	}
}

// RemoveHandler removes the handler for channel, if any.
func (b *Bus) RemoveHandler(channel string) {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()
}

// Send queues a message for every live surface and returns without waiting
// for delivery. Failures are logged, never returned.
func (b *Bus) Send(channel string, args ...any) {
	encoded, err := EncodeArgs(args...)
	if err != nil {
		b.dropped.Inc()
		b.logger.Error("dropping message with unencodable arguments", "channel", channel, "error", err)
		return
	}
	b.SendArgs(channel, encoded)
}

// SendArgs is Send for already-encoded arguments.
func (b *Bus) SendArgs(channel string, args Args) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	targets := b.liveTargets()
	if len(targets) == 0 {
		b.mu.Lock()
		if b.everAttached {
			b.mu.Unlock()
			b.dropped.Inc()
			b.logger.Warn("no live surface, dropping message", "channel", channel)
			return
		}
		if len(b.pending) >= b.maxPending {
			evicted := b.pending[0]
			b.pending = b.pending[1:]
			b.dropped.Inc()
			b.logger.Warn("pending queue full, evicting oldest message", "channel", evicted.channel)
		}
		b.pending = append(b.pending, pendingMessage{channel: channel, args: args})
		b.pendingG.Set(int64(len(b.pending)))
		b.mu.Unlock()
		b.queued.Inc()
		return
	}

	msg := pendingMessage{channel: channel, args: args}
	for _, o := range targets {
		if !b.enqueue(o, msg) {
			b.detachStalled(o, channel)
		}
	}
}

// liveTargets prunes destroyed surfaces and returns a snapshot of the rest.
func (b *Bus) liveTargets() []*outbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	alive := b.live[:0]
	for _, o := range b.live {
		if o.surface.Destroyed() {
			o.close()
			continue
		}
		alive = append(alive, o)
	}
	for i := len(alive); i < len(b.live); i++ {
		b.live[i] = nil
	}
	b.live = alive
	b.surfacesG.Set(int64(len(alive)))
	return slices.Clone(alive)
}

// enqueue adds msg to o without blocking. It reports false when o is full.
func (b *Bus) enqueue(o *outbox, msg pendingMessage) bool {
	b.track(1)
	select {
	case o.ch <- msg:
		return true
	default:
		b.track(-1)
		return false
	}
}

// detachStalled disconnects a surface whose outbox is full. Later messages
// would otherwise be lost silently and the surface would drift out of sync.
func (b *Bus) detachStalled(o *outbox, channel string) {
	b.failures.Inc()
	b.logger.Error("surface outbox full, detaching surface",
		"surface", o.surface.ID(), "channel", channel, "capacity", cap(o.ch))

	b.mu.Lock()
	if i := slices.Index(b.live, o); i >= 0 {
		b.live = slices.Delete(b.live, i, i+1)
	}
	b.surfacesG.Set(int64(len(b.live)))
	b.mu.Unlock()

	o.close()
	if c, ok := o.surface.(Closer); ok {
		if err := c.Close(); err != nil {
			b.logger.Debug("closing stalled surface", "surface", o.surface.ID(), "error", err)
		}
	}
}

// drain writes queued messages to the surface until the outbox is closed.
// Messages still queued at that point are discarded.
func (b *Bus) drain(o *outbox) {
	for {
		select {
		case <-o.stop:
			for {
				select {
				case <-o.ch:
					b.track(-1)
				default:
					return
				}
			}
		case m := <-o.ch:
			b.deliver(o.surface, m.channel, m.args)
			b.track(-1)
		}
	}
}

func (b *Bus) deliver(s Surface, channel string, args Args) {
	if err := s.Send(channel, args); err != nil {
		b.failures.Inc()
		b.logger.Warn("delivery to surface failed", "surface", s.ID(), "channel", channel, "error", err)
		return
	}
	b.sent.Inc()
}

func (b *Bus) track(delta int) {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	b.inflight += delta
	if b.inflight == 0 && b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
}

// Flush waits until every message queued for a live surface has been handed
// to that surface, or ctx ends.
func (b *Bus) Flush(ctx context.Context) error {
	b.inflightMu.Lock()
	if b.inflight == 0 {
		b.inflightMu.Unlock()
		return nil
	}
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	idle := b.idle
	b.inflightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach enqueues the queued messages for s, in order, and only then marks it
// live, so nothing sent later can overtake the flush.
func (b *Bus) attach(s Surface) {
	if s == nil || s.Destroyed() {
		return
	}
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	for _, existing := range b.live {
		if existing.surface == s {
			b.mu.Unlock()
			return
		}
	}
	queued := b.pending
	b.pending = nil
	b.everAttached = true
	b.pendingG.Set(0)
	b.mu.Unlock()

	o := &outbox{
		surface: s,
		ch:      make(chan pendingMessage, b.outboxSize+len(queued)),
		stop:    make(chan struct{}),
	}
	if len(queued) > 0 {
		b.logger.Info("flushing queued messages", "surface", s.ID(), "count", len(queued))
	}
	for _, m := range queued {
		b.enqueue(o, m)
	}
	go b.drain(o)

	b.mu.Lock()
	b.live = append(b.live, o)
	b.surfacesG.Set(int64(len(b.live)))
	b.mu.Unlock()
	b.logger.Debug("surface attached", "surface", s.ID())
}

// Receive fans an incoming message out to the channel's listeners.
func (b *Bus) Receive(from Surface, channel string, args Args) {
	b.mu.Lock()
	entries := append([]listenerEntry(nil), b.listeners[channel]...)
	b.mu.Unlock()

	msg := Message{Sender: from, Channel: channel, Args: args}
	for _, e := range entries {
		b.callListener(e, msg)
	}
}

func (b *Bus) callListener(e listenerEntry, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panic", "channel", msg.Channel, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	e.fn(msg)
}

// Request dispatches a request to the channel's handler.
func (b *Bus) Request(ctx context.Context, from Surface, channel string, args Args) (result any, err error) {
	b.mu.Lock()
	h, ok := b.handlers[channel]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w for channel %q", ErrNoHandler, channel)
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic", "channel", channel, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler for %q panicked: %v", channel, r)
		}
	}()
	return h(ctx, Message{Sender: from, Channel: channel, Args: args})
}

// Dispose detaches from the transport and resets the bus to its initial state.
// Surfaces created afterwards attach as if the bus were new.
func (b *Bus) Dispose() {
	b.transport.Unbind()

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.live {
		o.close()
	}
	b.listeners = make(map[string][]listenerEntry)
	b.handlers = make(map[string]Handler)
	b.pending = nil
	b.live = nil
	b.everAttached = false
	b.pendingG.Set(0)
	b.surfacesG.Set(0)
	b.logger.Info("message bus disposed")
}

// PendingCount returns the number of queued messages.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SurfaceCount returns the number of live, non-destroyed surfaces.
func (b *Bus) SurfaceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, o := range b.live {
		if !o.surface.Destroyed() {
			n++
		}
	}
	return n
}

// HandlerChannels returns the sorted channels that currently have a handler.
func (b *Bus) HandlerChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
