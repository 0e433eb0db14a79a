package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Handler receives the raw payload of one channel event.
type Handler func(payload json.RawMessage)

// Channel is the duplex event channel a Room talks to. Send is
// fire-and-forget: with no live connection the event is dropped, never
// queued. Connected reports whether a send would currently be delivered.
type Channel interface {
	Send(event string, payload any)
	Subscribe(event string, h Handler) (unsubscribe func())
	Connected() bool
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type subscription struct {
	id uint64
	h  Handler
}

type dispatcher struct {
	mu             sync.RWMutex
	nextID         uint64
	handlers       map[string][]subscription
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string][]subscription),
	}
}

func (d *dispatcher) subscribe(event string, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], subscription{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(event, id) })
	}
}

func (d *dispatcher) unsubscribe(event string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[event]
	for i, s := range subs {
		if s.id == id {
			// copy so a dispatch holding the old slice is unaffected
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, event)
			} else {
				d.handlers[event] = next
			}
			return
		}
	}
}

func (d *dispatcher) count(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// dispatch runs handlers synchronously so events keep their receipt order.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	subs := d.handlers[env.Type]
	d.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() { recover() }()
			s.h(env.Payload)
		}()
	}
}

func (d *dispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *dispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *dispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Conn as a Channel
// ============================================================================

// Subscribe registers h for event. The returned func removes it and is safe
// to call more than once.
func (c *Conn) Subscribe(event string, h Handler) func() {
	return c.dispatcher.subscribe(event, h)
}

// Connected reports whether a socket is live. It is false while
// reconnecting.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send emits event and drops it silently when the socket is down.
func (c *Conn) Send(event string, payload any) {
	if err := c.Emit(context.Background(), event, payload); err != nil {
		c.log.Debug().Err(err).Str("event", event).Msg("outbound event dropped")
	}
}

// Emit is Send with the write error surfaced.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(outboundEnvelope{Type: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// OnConnected registers a hook fired after every successful (re)connect.
func (c *Conn) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *Conn) OnDisconnected(h func(code int, reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (c *Conn) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}
