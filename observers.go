package roomsync

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Room events delivered to observers registered with Room.On.
const (
	RoomEventRoom            = "room"
	RoomEventMessages        = "messages"
	RoomEventPresence        = "presence"
	RoomEventTyping          = "typing"
	RoomEventHistoryDegraded = "history.degraded"
)

// RoomEventHandler observes a Room. It runs on the room's loop and must not
// call blocking Room methods.
type RoomEventHandler func(event string, snap Snapshot)

type observer struct {
	id uint64
	fn RoomEventHandler
}

// observers is a per-event registry of snapshot handlers. Handlers for one
// event run in registration order.
type observers struct {
	mu      sync.Mutex
	next    uint64
	byEvent map[string][]observer
}

// On registers handler for event and returns a func that removes it.
func (o *observers) On(event string, handler RoomEventHandler) (off func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byEvent == nil {
		o.byEvent = make(map[string][]observer)
	}
	o.next++
	id := o.next
	o.byEvent[event] = append(o.byEvent[event], observer{id: id, fn: handler})
	return func() { o.remove(event, id) }
}

func (o *observers) remove(event string, id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.byEvent[event]
	for i, obs := range list {
		if obs.id == id {
			// copy so a notify already holding the old slice is unaffected
			o.byEvent[event] = append(append([]observer(nil), list[:i]...), list[i+1:]...)
			return
		}
	}
}

// notify delivers snap to every handler of event. A panicking handler is
// logged and does not stop the others.
func (o *observers) notify(log zerolog.Logger, event string, snap Snapshot) {
	o.mu.Lock()
	list := o.byEvent[event]
	o.mu.Unlock()
	for _, obs := range list {
		o.call(log, obs, event, snap)
	}
}

func (o *observers) call(log zerolog.Logger, obs observer, event string, snap Snapshot) {
	defer func() {
		if v := recover(); v != nil {
			log.Error().Str("event", event).Str("panic", fmt.Sprint(v)).Msg("room observer panicked")
		}
	}()
	obs.fn(event, snap)
}

func (o *observers) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byEvent = nil
}
