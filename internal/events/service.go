// Package events is a process-wide named event emitter that mirrors emissions
// to the other side of the message bus.
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"kisaki/internal/ipc"
	"kisaki/internal/logging"
	"kisaki/internal/metrics"
)

// ForwardChannel carries (eventName, args) between processes.
const ForwardChannel = "kisaki:event"

// Bridge is the message bus seen from one side: the host's *ipc.Bus or a
// presentation *surface.Client.
type Bridge interface {
	Send(channel string, args ...any)
	Subscribe(channel string, fn func(ipc.Args)) func()
}

// Listener receives the arguments of an event.
type Listener func(args ipc.Args)

// EmitOptions controls a single emission.
type EmitOptions struct {
	// Local suppresses forwarding across the bridge.
	Local bool
}

// Config configures a Service.
type Config struct {
	Bridge  Bridge
	Logger  *slog.Logger
	Metrics *metrics.MetricsCollector
}

type subscription struct {
	id uint64
	fn Listener
}

// Service is a named event emitter. Listeners run synchronously, in
// registration order, on the emitting goroutine.
type Service struct {
	bridge Bridge
	logger *slog.Logger

	emitted   *metrics.Counter
	forwarded *metrics.Counter
	panics    *metrics.Counter

	mu        sync.RWMutex
	listeners map[string][]subscription
	nextID    uint64
	detach    func()
}

// New creates a service. A nil Bridge gives a purely local emitter.
func New(cfg Config) *Service {
	c := metrics.Or(cfg.Metrics)
	return &Service{
		bridge:    cfg.Bridge,
		logger:    logging.Component(cfg.Logger, "events"),
		emitted:   c.Counter(metrics.EventsEmitted, "Events emitted locally", ""),
		forwarded: c.Counter(metrics.EventsForwarded, "Events forwarded across the bridge", ""),
		panics:    c.Counter(metrics.ListenerPanics, "Event listener panics recovered", ""),
		listeners: make(map[string][]subscription),
	}
}

// Attach starts re-emitting events forwarded from the other side. Forwarded
// events are emitted locally only, so they never echo back.
func (s *Service) Attach() {
	if s.bridge == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detach != nil {
		return
	}
	s.detach = s.bridge.Subscribe(ForwardChannel, s.receiveForwarded)
}

// Close stops receiving forwarded events.
func (s *Service) Close() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
}

func (s *Service) receiveForwarded(args ipc.Args) {
	var name string
	if err := args.Decode(0, &name); err != nil || name == "" {
		s.logger.Warn("malformed forwarded event", "error", err)
		return
	}
	var payload ipc.Args
	if args.Len() > 1 {
		if err := args.Decode(1, &payload); err != nil {
			s.logger.Warn("malformed forwarded event arguments", "event", name, "error", err)
			return
		}
	}
	s.dispatch(name, payload)
}

// On registers fn for event. The returned func removes exactly this
// registration and may be called any number of times.
func (s *Service) On(event string, fn Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[event] = append(s.listeners[event], subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(event, id) })
	}
}

// Once registers fn for the next emission of event only.
func (s *Service) Once(event string, fn Listener) func() {
	var fired atomic.Bool
	var unsubscribe func()
	var ready sync.WaitGroup
	ready.Add(1)
	unsubscribe = s.On(event, func(args ipc.Args) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		ready.Wait()
		unsubscribe()
		fn(args)
	})
	ready.Done()
	return unsubscribe
}

func (s *Service) remove(event string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.listeners[event]
	if !ok {
		return
	}
	for i, sub := range subs {
		if sub.id == id {
			// Empty sets stay registered until Off or RemoveAllListeners.
			s.listeners[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers to local listeners and forwards across the bridge.
func (s *Service) Emit(event string, args ...any) error {
	return s.EmitWith(event, EmitOptions{}, args...)
}

// EmitLocal delivers to local listeners only.
func (s *Service) EmitLocal(event string, args ...any) error {
	return s.EmitWith(event, EmitOptions{Local: true}, args...)
}

// EmitWith encodes args once, delivers them to local listeners, and unless
// opts.Local forwards the event exactly once. It fails only when args cannot
// be encoded, in which case nothing is delivered.
func (s *Service) EmitWith(event string, opts EmitOptions, args ...any) error {
	encoded, err := ipc.EncodeArgs(args...)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	s.dispatch(event, encoded)
	if !opts.Local && s.bridge != nil {
		s.bridge.Send(ForwardChannel, event, encoded)
		s.forwarded.Inc()
	}
	return nil
}

func (s *Service) dispatch(event string, args ipc.Args) {
	s.mu.RLock()
	subs := append([]subscription(nil), s.listeners[event]...)
	s.mu.RUnlock()

	s.emitted.Inc()
	for _, sub := range subs {
		s.call(event, sub, args)
	}
}

func (s *Service) call(event string, sub subscription, args ipc.Args) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Inc()
			s.logger.Error("event listener panic", "event", event, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	sub.fn(args)
}

// Off removes every listener for event.
func (s *Service) Off(event string) {
	s.mu.Lock()
	delete(s.listeners, event)
	s.mu.Unlock()
}

// RemoveAllListeners removes every listener for every event.
func (s *Service) RemoveAllListeners() {
	s.mu.Lock()
	s.listeners = make(map[string][]subscription)
	s.mu.Unlock()
}

// ListenerCount returns the number of listeners registered for event.
func (s *Service) ListenerCount(event string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners[event])
}

// EventNames returns the sorted names that have a listener set, including
// sets emptied by unsubscribing.
func (s *Service) EventNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.listeners))
	for name := range s.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers a listener that decodes the first argument into T.
// Decode failures are logged and the listener is skipped.
func Subscribe[T any](s *Service, event string, fn func(T)) func() {
	return s.On(event, func(args ipc.Args) {
		var v T
		if args.Len() > 0 {
			if err := args.Decode(0, &v); err != nil {
				s.logger.Warn("event payload decode failed", "event", event, "error", err)
				return
			}
		}
		fn(v)
	})
}
