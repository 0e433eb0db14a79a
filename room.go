package roomsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is the read model of a Room at one point in time.
type Snapshot struct {
	Room     string
	Joined   bool
	Messages []Message
	Presence []PresenceEntry
	Typing   string
	// HistoryErr is set when the last history fetch failed and the
	// sequence only holds live messages.
	HistoryErr error
}

// RoomOption configures a Room.
type RoomOption func(*Room)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) RoomOption {
	return func(r *Room) { r.log = log }
}

// WithTypingDebounce sets how long after the last keystroke the stop
// signal is sent. Defaults to DefaultTypingDebounce.
func WithTypingDebounce(d time.Duration) RoomOption {
	return func(r *Room) { r.debounceDelay = d }
}

// WithTypingTTL sets how long a peer stays on the typing line without a
// fresh start signal. Our own start signal repeats every half TTL.
// Defaults to DefaultTypingTTL.
func WithTypingTTL(d time.Duration) RoomOption {
	return func(r *Room) { r.typingTTL = d }
}

// WithQueueSize sets the capacity of the room loop's work queue. Defaults
// to DefaultQueueSize.
func WithQueueSize(n int) RoomOption {
	return func(r *Room) { r.queueSize = n }
}

// Room synchronizes one room at a time over a shared Channel: it seeds
// history, folds in live messages, tracks typing and presence, and forwards
// sends. All state lives on a single loop goroutine; public methods hand
// their work to it and wait.
type Room struct {
	observers

	history       HistoryFetcher
	log           zerolog.Logger
	debounceDelay time.Duration
	typingTTL     time.Duration
	queueSize     int
	loop          *loop
	closeOnce     sync.Once

	// owned by the loop
	ch         Channel
	desired    string
	members    *Membership
	recon      *Reconciler
	typing     *TypingAggregator
	roster     *Roster
	debounce   *TypingDebouncer
	subs       []func()
	subGen     uint64
	seedCancel context.CancelFunc
	historyErr error
	typingLine string
	reapTimer  *time.Timer
	reapSeq    uint64
}

// NewRoom creates a Room that seeds history from history. It starts with no
// channel; attach it to a Session or call ChannelAvailable.
func NewRoom(history HistoryFetcher, opts ...RoomOption) *Room {
	r := &Room{
		history: history,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("component", "room").Logger()
	r.loop = newLoop(r.queueSize)
	r.members = NewMembership(r.log)
	r.recon = NewReconciler()
	r.typing = NewTypingAggregator(r.typingTTL)
	r.roster = NewRoster()
	ttl := r.typingTTL
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	r.debounce = NewTypingDebouncer(r.debounceDelay, ttl/2, r.sendTyping, r.loop.post)
	return r
}

// ============================================================================
// Public surface
// ============================================================================

// EnterRoom switches to roomID. The previous room is left first. With no
// channel the room is remembered and entered once one becomes available.
func (r *Room) EnterRoom(roomID string) {
	r.loop.call(func() { r.enter(roomID) })
}

// LeaveRoom leaves the current room and clears its state. Calling it again
// is a no-op.
func (r *Room) LeaveRoom() {
	r.loop.call(func() {
		if r.desired == "" {
			return
		}
		r.teardown(true)
		r.desired = ""
		r.emit(RoomEventRoom, r.snapshot())
	})
}

// SendMessage emits message:send for the current room. It reports false and
// sends nothing when content is blank, there is no room, or no live
// connection (including while reconnecting). The message is not appended
// locally; the server's message:new echo is what makes it appear.
func (r *Room) SendMessage(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	sent := false
	r.loop.call(func() {
		if r.ch == nil || r.desired == "" {
			return
		}
		if !r.ch.Connected() {
			r.log.Debug().Str("room", r.desired).Msg("message not sent, connection down")
			return
		}
		r.ch.Send(EventMessageSend, sendCommand{Room: r.desired, Content: content})
		sent = true
	})
	return sent
}

// NotifyTyping reports a local keystroke that is not a send.
func (r *Room) NotifyTyping() {
	r.loop.call(func() {
		if r.ch == nil || r.desired == "" {
			return
		}
		r.debounce.Keystroke()
	})
}

// Snapshot returns the current read model.
func (r *Room) Snapshot() Snapshot {
	var snap Snapshot
	r.loop.call(func() { snap = r.snapshot() })
	return snap
}

// Close leaves the room, cancels timers and stops the loop.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.loop.call(func() {
			r.teardown(false)
			r.desired = ""
			r.stopReap()
		})
		r.loop.stop()
		r.observers.clear()
	})
}

func (r *Room) emit(event string, snap Snapshot) {
	r.notify(r.log, event, snap)
}

// ============================================================================
// ChannelListener
// ============================================================================

// ChannelAvailable binds ch and enters the remembered room.
func (r *Room) ChannelAvailable(ch Channel) {
	r.loop.post(func() {
		if ch == nil {
			r.lose()
			return
		}
		if r.ch == ch {
			return
		}
		if r.ch != nil {
			r.lose()
		}
		r.ch = ch
		r.members.Bind(ch)
		r.activate()
	})
}

// ChannelLost resets to Idle without leaveRoom and clears the read model.
func (r *Room) ChannelLost() {
	r.loop.post(r.lose)
}

// ChannelReconnected re-sends the join and re-seeds history to cover what
// was missed while disconnected.
func (r *Room) ChannelReconnected() {
	r.loop.post(func() {
		if r.ch == nil || r.desired == "" {
			return
		}
		if r.members.Rejoin() {
			r.seed()
		}
	})
}

// ============================================================================
// Loop-side state machine
// ============================================================================

func (r *Room) enter(roomID string) {
	if roomID == "" {
		if r.desired != "" {
			r.teardown(true)
			r.desired = ""
			r.emit(RoomEventRoom, r.snapshot())
		}
		return
	}
	if roomID == r.desired && (r.ch == nil || r.members.State() == Joined) {
		return
	}
	r.teardown(r.desired != "")
	r.desired = roomID
	r.emit(RoomEventRoom, r.snapshot())
	r.activate()
}

// activate joins the desired room on the current channel.
func (r *Room) activate() {
	if r.ch == nil || r.desired == "" {
		return
	}
	r.subscribe()
	r.members.Enter(r.desired)
	r.seed()
}

// teardown unsubscribes, leaves and clears state for the next room.
func (r *Room) teardown(notify bool) {
	r.unsubscribe()
	r.members.Leave()
	r.cancelSeed()
	r.debounce.Cancel()
	r.clear(notify)
}

// lose handles the channel going away: nothing can be sent any more.
func (r *Room) lose() {
	if r.ch == nil {
		return
	}
	r.unsubscribe()
	r.members.Bind(nil)
	r.ch = nil
	r.cancelSeed()
	r.debounce.Cancel()
	r.clear(true)
	r.log.Debug().Str("room", r.desired).Msg("channel lost")
}

func (r *Room) clear(notify bool) {
	r.recon.Reset()
	r.roster.Reset()
	r.typing.Reset()
	r.historyErr = nil
	r.typingLine = ""
	r.stopReap()
	if notify {
		snap := r.snapshot()
		r.emit(RoomEventMessages, snap)
		r.emit(RoomEventPresence, snap)
		r.emit(RoomEventTyping, snap)
	}
}

func (r *Room) subscribe() {
	r.unsubscribe()
	gen := r.subGen
	wrap := func(apply func(json.RawMessage)) Handler {
		return func(payload json.RawMessage) {
			r.loop.post(func() {
				if gen != r.subGen {
					return
				}
				apply(payload)
			})
		}
	}
	r.subs = []func(){
		r.ch.Subscribe(EventMessageNew, wrap(r.onMessage)),
		r.ch.Subscribe(EventPresenceUpdate, wrap(r.onPresence)),
		r.ch.Subscribe(EventTyping, wrap(r.onTyping)),
	}
}

// unsubscribe removes handlers; events already queued from them are dropped
// by the generation check.
func (r *Room) unsubscribe() {
	for _, unsub := range r.subs {
		unsub()
	}
	r.subs = nil
	r.subGen++
}

// ============================================================================
// History seeding
// ============================================================================

func (r *Room) seed() {
	r.cancelSeed()
	ticket := r.recon.Begin(r.desired)
	ctx, cancel := context.WithCancel(context.Background())
	r.seedCancel = cancel

	go func() {
		var (
			msgs []Message
			err  error
		)
		if r.history != nil {
			msgs, err = r.history.FetchHistory(ctx, ticket.Room)
		}
		r.loop.post(func() { r.resolveSeed(ticket, msgs, err) })
	}()
}

func (r *Room) resolveSeed(ticket SeedTicket, msgs []Message, err error) {
	res := r.recon.Resolve(ticket, msgs, err)
	if res.Stale {
		r.log.Debug().Str("room", res.Room).Msg("stale history discarded")
		return
	}
	r.cancelSeed()
	r.historyErr = res.Err
	snap := r.snapshot()
	if res.Err != nil {
		r.log.Warn().Err(res.Err).Str("room", res.Room).Msg("history unavailable, continuing with live messages only")
		r.emit(RoomEventHistoryDegraded, snap)
	}
	r.emit(RoomEventMessages, snap)
}

func (r *Room) cancelSeed() {
	if r.seedCancel != nil {
		r.seedCancel()
		r.seedCancel = nil
	}
}

// ============================================================================
// Live events
// ============================================================================

func (r *Room) onMessage(payload json.RawMessage) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		r.log.Warn().Err(err).Msg("malformed message:new")
		return
	}
	if m.Room != "" && m.Room != r.desired {
		r.log.Debug().Str("room", m.Room).Msg("message for another room ignored")
		return
	}
	r.recon.Append(m)
	r.emit(RoomEventMessages, r.snapshot())
}

func (r *Room) onPresence(payload json.RawMessage) {
	var list []PresenceEntry
	if err := json.Unmarshal(payload, &list); err != nil {
		r.log.Warn().Err(err).Msg("malformed presence:update")
		return
	}
	r.roster.Replace(list)
	r.emit(RoomEventPresence, r.snapshot())
}

func (r *Room) onTyping(payload json.RawMessage) {
	var ev TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.log.Warn().Err(err).Msg("malformed typing")
		return
	}
	r.typing.OnTypingEvent(ev)
	r.refreshTyping()
}

// refreshTyping recomputes the summary and arms a reap for the next expiry
// so a lost stop signal still clears the line.
func (r *Room) refreshTyping() {
	line := r.typing.Summary()
	if line != r.typingLine {
		r.typingLine = line
		r.emit(RoomEventTyping, r.snapshot())
	}

	r.stopReap()
	next, ok := r.typing.NextExpiry()
	if !ok {
		return
	}
	r.reapSeq++
	seq := r.reapSeq
	r.reapTimer = time.AfterFunc(time.Until(next), func() {
		r.loop.post(func() {
			if seq == r.reapSeq {
				r.reapTimer = nil
				r.refreshTyping()
			}
		})
	})
}

func (r *Room) stopReap() {
	if r.reapTimer != nil {
		r.reapTimer.Stop()
		r.reapTimer = nil
	}
	r.reapSeq++
}

func (r *Room) sendTyping(isTyping bool) {
	if r.ch == nil || r.desired == "" {
		return
	}
	r.ch.Send(EventTyping, typingCommand{Room: r.desired, IsTyping: isTyping})
}

func (r *Room) snapshot() Snapshot {
	return Snapshot{
		Room:       r.desired,
		Joined:     r.members.State() == Joined,
		Messages:   r.recon.Messages(),
		Presence:   r.roster.Entries(),
		Typing:     r.typing.Summary(),
		HistoryErr: r.historyErr,
	}
}
