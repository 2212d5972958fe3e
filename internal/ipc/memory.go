package ipc

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrSurfaceDestroyed is returned when sending to a destroyed MemorySurface.
var ErrSurfaceDestroyed = errors.New("surface destroyed")

// MemoryTransport is an in-process Transport. It backs headless runs and tests.
type MemoryTransport struct {
	mu       sync.Mutex
	surfaces []*MemorySurface
	hooks    []func(Surface)
	receiver Receiver
}

// NewMemoryTransport returns an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) Surfaces() []Surface {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Surface, 0, len(t.surfaces))
	for _, s := range t.surfaces {
		out = append(out, s)
	}
	return out
}

func (t *MemoryTransport) OnSurfaceCreated(fn func(Surface)) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func (t *MemoryTransport) Bind(r Receiver) {
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
}

func (t *MemoryTransport) Unbind() {
	t.mu.Lock()
	t.receiver = nil
	t.mu.Unlock()
}

// Open creates a surface and runs the creation hooks before returning it.
func (t *MemoryTransport) Open(id string) *MemorySurface {
	s := &MemorySurface{id: id, transport: t}
	t.mu.Lock()
	t.surfaces = append(t.surfaces, s)
	hooks := slices.Clone(t.hooks)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
	return s
}

func (t *MemoryTransport) bound() Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiver
}

// Delivery is one message received by a MemorySurface.
type Delivery struct {
	Channel string
	Args    Args
}

// MemorySurface records everything the host sends to it.
type MemorySurface struct {
	id        string
	transport *MemoryTransport

	mu        sync.Mutex
	destroyed bool
	failWith  error
	received  []Delivery
	onSend    func(Delivery)
}

func (s *MemorySurface) ID() string { return s.id }

func (s *MemorySurface) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *MemorySurface) Send(channel string, args Args) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSurfaceDestroyed
	}
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return err
	}
	d := Delivery{Channel: channel, Args: args}
	s.received = append(s.received, d)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return nil
}

// Destroy marks the surface destroyed.
func (s *MemorySurface) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
}

// Close destroys the surface.
func (s *MemorySurface) Close() error {
	s.Destroy()
	return nil
}

// FailSends makes every subsequent Send return err; nil restores delivery.
func (s *MemorySurface) FailSends(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// OnSend registers a callback invoked after each successful delivery.
func (s *MemorySurface) OnSend(fn func(Delivery)) {
	s.mu.Lock()
	s.onSend = fn
	s.mu.Unlock()
}

// Received returns a copy of everything delivered so far.
func (s *MemorySurface) Received() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.received...)
}

// Emit sends a no-reply message from this surface to the host.
func (s *MemorySurface) Emit(channel string, args ...any) error {
	encoded, err := EncodeArgs(args...)
	if err != nil {
		return err
	}
	if r := s.transport.bound(); r != nil {
		r.Receive(s, channel, encoded)
	}
	return nil
}

// Invoke performs a request/reply call from this surface to the host.
func (s *MemorySurface) Invoke(ctx context.Context, channel string, args ...any) (any, error) {
	encoded, err := EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	r := s.transport.bound()
	if r == nil {
		return nil, ErrNoHandler
	}
	return r.Request(ctx, s, channel, encoded)
}
