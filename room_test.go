package roomsync

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu    sync.Mutex
	snaps map[string][]Snapshot
}

func recordEvents(r *Room, events ...string) *eventRecorder {
	rec := &eventRecorder{snaps: make(map[string][]Snapshot)}
	for _, ev := range events {
		r.On(ev, func(event string, snap Snapshot) {
			rec.mu.Lock()
			rec.snaps[event] = append(rec.snaps[event], snap)
			rec.mu.Unlock()
		})
	}
	return rec
}

func (rec *eventRecorder) count(event string) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.snaps[event])
}

func (rec *eventRecorder) first(event string) Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.snaps[event]) == 0 {
		return Snapshot{}
	}
	return rec.snaps[event][0]
}

func (rec *eventRecorder) last(event string) Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s := rec.snaps[event]
	if len(s) == 0 {
		return Snapshot{}
	}
	return s[len(s)-1]
}

// joinedRoom returns a Room bound to a fake channel and entered into room,
// with history already seeded.
func joinedRoom(t *testing.T, history HistoryFetcher, room string, opts ...RoomOption) (*Room, *fakeChannel) {
	t.Helper()
	r := NewRoom(history, opts...)
	t.Cleanup(r.Close)
	ch := newFakeChannel()
	r.ChannelAvailable(ch)
	r.EnterRoom(room)
	eventually(t, func() bool { return r.Snapshot().Joined })
	return r, ch
}

func TestRoom_EnterSeedsAndJoins(t *testing.T) {
	history := &staticHistory{rooms: map[string][]Message{
		"general": {msg("1", "hello"), msg("2", "world")},
	}}
	r, ch := joinedRoom(t, history, "general")

	eventually(t, func() bool { return len(r.Snapshot().Messages) == 2 })
	snap := r.Snapshot()
	assert.Equal(t, "general", snap.Room)
	assert.Equal(t, []string{"hello", "world"}, contents(snap.Messages))
	assert.NoError(t, snap.HistoryErr)

	assert.Equal(t, []sentEvent{{Event: EventJoinRoom, Payload: "general"}}, ch.events(EventJoinRoom))
	assert.Equal(t, 1, ch.d.count(EventMessageNew))
	assert.Equal(t, 1, ch.d.count(EventPresenceUpdate))
	assert.Equal(t, 1, ch.d.count(EventTyping))
}

func TestRoom_EnterWithoutChannelWaitsForOne(t *testing.T) {
	r := NewRoom(&staticHistory{})
	defer r.Close()

	r.EnterRoom("general")
	snap := r.Snapshot()
	assert.Equal(t, "general", snap.Room)
	assert.False(t, snap.Joined)

	ch := newFakeChannel()
	r.ChannelAvailable(ch)
	eventually(t, func() bool { return r.Snapshot().Joined })
	assert.Len(t, ch.events(EventJoinRoom), 1)
}

func TestRoom_EnterSameRoomTwice(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")
	r.EnterRoom("general")
	r.Snapshot()
	assert.Len(t, ch.events(EventJoinRoom), 1)
}

func TestRoom_SwitchLeavesFirstAndClears(t *testing.T) {
	history := &staticHistory{rooms: map[string][]Message{
		"a": {msg("1", "in a")},
		"b": {msg("2", "in b")},
	}}
	r, ch := joinedRoom(t, history, "a")
	eventually(t, func() bool { return len(r.Snapshot().Messages) == 1 })

	r.EnterRoom("b")
	assert.Equal(t, []sentEvent{
		{Event: EventJoinRoom, Payload: "a"},
		{Event: EventLeaveRoom, Payload: "a"},
		{Event: EventJoinRoom, Payload: "b"},
	}, ch.sent)

	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"in b"}, contents(r.Snapshot().Messages))
	})
	assert.Equal(t, 1, ch.d.count(EventMessageNew), "handlers of the old room are gone")
}

func TestRoom_StaleSeedDiscarded(t *testing.T) {
	history := newGatedHistory()
	r := NewRoom(history)
	defer r.Close()
	r.ChannelAvailable(newFakeChannel())

	r.EnterRoom("a")
	first := history.next(t)
	r.EnterRoom("b")
	second := history.next(t)
	require.Equal(t, "a", first.room)
	require.Equal(t, "b", second.room)

	first.reply <- historyReply{msgs: []Message{msg("1", "from a")}}
	assert.Never(t, func() bool { return len(r.Snapshot().Messages) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	second.reply <- historyReply{msgs: []Message{msg("2", "from b")}}
	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"from b"}, contents(r.Snapshot().Messages))
	})
}

func TestRoom_StaleSeedDiscardedAfterReturningToRoom(t *testing.T) {
	history := newGatedHistory()
	r := NewRoom(history)
	defer r.Close()
	r.ChannelAvailable(newFakeChannel())

	r.EnterRoom("a")
	old := history.next(t)
	r.EnterRoom("b")
	b := history.next(t)
	r.EnterRoom("a")
	current := history.next(t)

	old.reply <- historyReply{msgs: []Message{msg("1", "old a")}}
	b.reply <- historyReply{msgs: []Message{msg("2", "b")}}
	assert.Never(t, func() bool { return len(r.Snapshot().Messages) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	current.reply <- historyReply{msgs: []Message{msg("3", "new a")}}
	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"new a"}, contents(r.Snapshot().Messages))
	})
}

func TestRoom_LiveMessagesAppendInArrivalOrder(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{rooms: map[string][]Message{"general": {msg("1", "seed")}}}, "general")
	eventually(t, func() bool { return len(r.Snapshot().Messages) == 1 })

	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	ch.fire(t, EventMessageNew, Message{ID: "2", Content: "late", SentAt: &late})
	ch.fire(t, EventMessageNew, Message{ID: "3", Content: "early", SentAt: &early})
	ch.fire(t, EventMessageNew, Message{Content: "anonymous"})

	eventually(t, func() bool { return len(r.Snapshot().Messages) == 4 })
	assert.Equal(t, []string{"seed", "late", "early", "anonymous"}, contents(r.Snapshot().Messages))
}

func TestRoom_LiveDuringSeedIsMerged(t *testing.T) {
	history := newGatedHistory()
	r := NewRoom(history)
	defer r.Close()
	ch := newFakeChannel()
	r.ChannelAvailable(ch)
	r.EnterRoom("general")
	call := history.next(t)

	ch.fire(t, EventMessageNew, msg("2", "b"))
	ch.fire(t, EventMessageNew, msg("3", "c"))
	eventually(t, func() bool { return len(r.Snapshot().Messages) == 2 })

	call.reply <- historyReply{msgs: []Message{msg("1", "a"), msg("2", "b")}}
	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a", "b", "c"}, contents(r.Snapshot().Messages))
	})
}

func TestRoom_HistoryFailureDegrades(t *testing.T) {
	boom := errors.New("history down")
	r := NewRoom(&staticHistory{err: boom})
	defer r.Close()
	rec := recordEvents(r, RoomEventHistoryDegraded)
	ch := newFakeChannel()
	r.ChannelAvailable(ch)
	r.EnterRoom("general")

	eventually(t, func() bool { return r.Snapshot().HistoryErr != nil })
	assert.ErrorIs(t, r.Snapshot().HistoryErr, boom)
	assert.True(t, r.Snapshot().Joined, "membership survives a history failure")
	eventually(t, func() bool { return rec.count(RoomEventHistoryDegraded) == 1 })

	ch.fire(t, EventMessageNew, msg("1", "live"))
	eventually(t, func() bool { return len(r.Snapshot().Messages) == 1 })
}

func TestRoom_MessageForOtherRoomIgnored(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")

	ch.fire(t, EventMessageNew, Message{ID: "x", Room: "random", Content: "elsewhere"})
	ch.fire(t, EventMessageNew, Message{ID: "y", Room: "general", Content: "here"})

	eventually(t, func() bool { return len(r.Snapshot().Messages) == 1 })
	assert.Equal(t, []string{"here"}, contents(r.Snapshot().Messages))
}

func TestRoom_LeaveIsIdempotent(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")
	rec := recordEvents(r, RoomEventRoom)

	r.LeaveRoom()
	r.LeaveRoom()

	assert.Len(t, ch.events(EventLeaveRoom), 1)
	assert.Equal(t, 1, rec.count(RoomEventRoom))
	snap := r.Snapshot()
	assert.Equal(t, "", snap.Room)
	assert.False(t, snap.Joined)
	assert.Empty(t, snap.Messages)
}

func TestRoom_NoDeliveryAfterLeave(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")
	rec := recordEvents(r, RoomEventMessages)

	r.LeaveRoom()
	assert.Zero(t, ch.d.count(EventMessageNew))
	before := rec.count(RoomEventMessages)

	ch.fire(t, EventMessageNew, msg("1", "late"))
	assert.Never(t, func() bool { return rec.count(RoomEventMessages) > before }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, r.Snapshot().Messages)
}

func TestRoom_SendMessage(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")

	assert.False(t, r.SendMessage("   "))
	assert.Empty(t, ch.events(EventMessageSend))

	require.True(t, r.SendMessage("  hi there \n"))
	assert.Equal(t, []sentEvent{{
		Event:   EventMessageSend,
		Payload: sendCommand{Room: "general", Content: "hi there"},
	}}, ch.events(EventMessageSend))
	assert.Empty(t, r.Snapshot().Messages, "sent messages appear only via the server echo")
}

func TestRoom_SendMessageWithoutChannelOrRoom(t *testing.T) {
	r := NewRoom(&staticHistory{})
	defer r.Close()
	r.EnterRoom("general")
	assert.False(t, r.SendMessage("hi"))

	ch := newFakeChannel()
	r2 := NewRoom(&staticHistory{})
	defer r2.Close()
	r2.ChannelAvailable(ch)
	assert.False(t, r2.SendMessage("hi"))
	assert.Empty(t, ch.events(EventMessageSend))
}

func TestRoom_PresenceIsReplaced(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")

	ch.fire(t, EventPresenceUpdate, []PresenceEntry{{UserID: "u1", Username: "alice"}, {UserID: "u2", Username: "bob"}})
	eventually(t, func() bool { return len(r.Snapshot().Presence) == 2 })

	ch.fire(t, EventPresenceUpdate, []PresenceEntry{{UserID: "u3", Username: "carol"}})
	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]PresenceEntry{{UserID: "u3", Username: "carol"}}, r.Snapshot().Presence)
	})
}

func TestRoom_TypingSummary(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")
	rec := recordEvents(r, RoomEventTyping)

	ch.fire(t, EventTyping, TypingEvent{UserID: "u1", Username: "alice", IsTyping: true})
	eventually(t, func() bool { return r.Snapshot().Typing == "alice is typing..." })

	ch.fire(t, EventTyping, TypingEvent{UserID: "u2", Username: "bob", IsTyping: true})
	eventually(t, func() bool { return r.Snapshot().Typing == "alice, bob are typing..." })

	ch.fire(t, EventTyping, TypingEvent{UserID: "u1", Username: "alice", IsTyping: false})
	ch.fire(t, EventTyping, TypingEvent{UserID: "u2", Username: "bob", IsTyping: false})
	eventually(t, func() bool { return r.Snapshot().Typing == "" })
	eventually(t, func() bool { return rec.last(RoomEventTyping).Typing == "" && rec.count(RoomEventTyping) == 4 })
}

func TestRoom_TypingExpiresWithoutStop(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general", WithTypingTTL(50*time.Millisecond))
	rec := recordEvents(r, RoomEventTyping)

	ch.fire(t, EventTyping, TypingEvent{UserID: "u1", Username: "alice", IsTyping: true})
	eventually(t, func() bool { return rec.count(RoomEventTyping) == 2 })
	assert.Equal(t, "alice is typing...", rec.first(RoomEventTyping).Typing)
	assert.Equal(t, "", rec.last(RoomEventTyping).Typing)
}

func TestRoom_NotifyTypingIsDebounced(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general", WithTypingDebounce(30*time.Millisecond))

	for i := 0; i < 5; i++ {
		r.NotifyTyping()
	}
	require.Equal(t, []sentEvent{{
		Event:   EventTyping,
		Payload: typingCommand{Room: "general", IsTyping: true},
	}}, ch.events(EventTyping))

	eventually(t, func() bool { return len(ch.events(EventTyping)) == 2 })
	assert.Equal(t, typingCommand{Room: "general", IsTyping: false}, ch.events(EventTyping)[1].Payload)
	assert.Never(t, func() bool { return len(ch.events(EventTyping)) > 2 }, 80*time.Millisecond, 10*time.Millisecond)
}

func TestRoom_LeaveCancelsPendingTypingStop(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general", WithTypingDebounce(30*time.Millisecond))

	r.NotifyTyping()
	r.LeaveRoom()
	assert.Never(t, func() bool { return len(ch.events(EventTyping)) > 1 }, 80*time.Millisecond, 10*time.Millisecond)
}

func TestRoom_ChannelLostAndRestored(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{rooms: map[string][]Message{"general": {msg("1", "seed")}}}, "general")
	eventually(t, func() bool { return len(r.Snapshot().Messages) == 1 })

	r.ChannelLost()
	eventually(t, func() bool { return !r.Snapshot().Joined })
	snap := r.Snapshot()
	assert.Equal(t, "general", snap.Room, "the room is remembered")
	assert.Empty(t, snap.Messages)
	assert.Empty(t, ch.events(EventLeaveRoom), "no leave is sent on a dead channel")
	assert.Zero(t, ch.d.count(EventMessageNew))
	assert.False(t, r.SendMessage("hi"))

	next := newFakeChannel()
	r.ChannelAvailable(next)
	eventually(t, func() bool { return r.Snapshot().Joined })
	assert.Len(t, next.events(EventJoinRoom), 1)
	eventually(t, func() bool { return len(r.Snapshot().Messages) == 1 })
}

func TestRoom_ChannelReconnectedRejoinsAndReseeds(t *testing.T) {
	history := newGatedHistory()
	r := NewRoom(history)
	defer r.Close()
	ch := newFakeChannel()
	r.ChannelAvailable(ch)
	r.EnterRoom("general")
	history.next(t).reply <- historyReply{msgs: []Message{msg("1", "a")}}
	eventually(t, func() bool { return len(r.Snapshot().Messages) == 1 })

	r.ChannelReconnected()
	call := history.next(t)
	assert.Equal(t, "general", call.room)
	assert.Len(t, ch.events(EventJoinRoom), 2)

	call.reply <- historyReply{msgs: []Message{msg("1", "a"), msg("2", "missed")}}
	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a", "missed"}, contents(r.Snapshot().Messages))
	})
}

func TestRoom_CloseLeaves(t *testing.T) {
	r := NewRoom(&staticHistory{})
	ch := newFakeChannel()
	r.ChannelAvailable(ch)
	r.EnterRoom("general")

	r.Close()
	r.Close()
	assert.Equal(t, []string{EventJoinRoom, EventLeaveRoom}, ch.names())
	assert.Zero(t, ch.d.count(EventMessageNew))
}

func TestRoom_SendMessageWhileConnectionDown(t *testing.T) {
	r, ch := joinedRoom(t, &staticHistory{}, "general")

	ch.down.Store(true)
	assert.False(t, r.SendMessage("hello"))
	assert.Empty(t, ch.events(EventMessageSend))

	ch.down.Store(false)
	assert.True(t, r.SendMessage("hello"))
	assert.Len(t, ch.events(EventMessageSend), 1)
}

// A peer typing for longer than the expiry window stays on the typing line
// until its stop arrives.
func TestRoom_ContinuousTypingOutlivesTTL(t *testing.T) {
	const ttl = 125 * time.Millisecond
	opts := []RoomOption{WithTypingTTL(ttl), WithTypingDebounce(40 * time.Millisecond)}

	watcher, watcherCh := joinedRoom(t, &staticHistory{}, "general", opts...)
	typist, typistCh := joinedRoom(t, &staticHistory{}, "general", opts...)

	// relay the typist's outgoing typing signals to the watcher as the
	// server would
	typistCh.onSend = func(ev sentEvent) {
		cmd, ok := ev.Payload.(typingCommand)
		if !ok {
			return
		}
		data, _ := json.Marshal(TypingEvent{UserID: "u1", Username: "alice", IsTyping: cmd.IsTyping})
		watcherCh.d.dispatch(Envelope{Type: EventTyping, Payload: data})
	}

	typist.NotifyTyping()
	eventually(t, func() bool { return watcher.Snapshot().Typing == "alice is typing..." })

	deadline := time.Now().Add(3 * ttl)
	for time.Now().Before(deadline) {
		typist.NotifyTyping()
		require.Equal(t, "alice is typing...", watcher.Snapshot().Typing)
		time.Sleep(15 * time.Millisecond)
	}

	eventually(t, func() bool { return watcher.Snapshot().Typing == "" })
	sent := typistCh.events(EventTyping)
	require.Greater(t, len(sent), 2, "start must be repeated while typing continues")
	assert.Equal(t, typingCommand{Room: "general", IsTyping: false}, sent[len(sent)-1].Payload)
}
