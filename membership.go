package roomsync

import "github.com/rs/zerolog"

// MembershipState is the state of a Membership.
type MembershipState int

const (
	Idle MembershipState = iota
	Joining
	Joined
)

func (s MembershipState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	}
	return "unknown"
}

// Membership owns the "current room" of one channel. It is the only thing
// that emits joinRoom and leaveRoom, and it holds at most one room at a time.
//
// A Membership is not safe for concurrent use; Room drives it from its loop.
type Membership struct {
	ch    Channel
	state MembershipState
	room  string
	log   zerolog.Logger
}

// NewMembership returns an Idle membership with no channel.
func NewMembership(log zerolog.Logger) *Membership {
	return &Membership{log: log}
}

// Bind sets the channel joins are sent on. Binding nil drops membership.
func (m *Membership) Bind(ch Channel) {
	if ch == nil {
		m.Drop()
	}
	m.ch = ch
}

// Enter joins roomID, leaving the current room first. Entering the room
// already joined is a no-op. It reports whether a join was emitted.
func (m *Membership) Enter(roomID string) bool {
	if roomID == "" || m.ch == nil {
		return false
	}
	if m.state == Joined && m.room == roomID {
		return false
	}
	m.Leave()

	m.state = Joining
	m.room = roomID
	// no ack on joinRoom; the join is optimistic
	m.ch.Send(EventJoinRoom, roomID)
	m.state = Joined
	m.log.Debug().Str("room", roomID).Msg("joined")
	return true
}

// Leave emits leaveRoom for the joined room. It is a no-op when Idle.
func (m *Membership) Leave() bool {
	if m.state == Idle {
		return false
	}
	room := m.room
	m.state = Idle
	m.room = ""
	if m.ch != nil {
		m.ch.Send(EventLeaveRoom, room)
	}
	m.log.Debug().Str("room", room).Msg("left")
	return true
}

// Drop goes Idle without emitting leaveRoom; the channel is already gone.
func (m *Membership) Drop() {
	if m.state != Idle {
		m.log.Debug().Str("room", m.room).Msg("membership dropped")
	}
	m.state = Idle
	m.room = ""
}

// Rejoin re-sends joinRoom for the joined room after a reconnect, since the
// server forgets memberships of the old socket.
func (m *Membership) Rejoin() bool {
	if m.state != Joined || m.ch == nil {
		return false
	}
	m.ch.Send(EventJoinRoom, m.room)
	m.log.Debug().Str("room", m.room).Msg("rejoined")
	return true
}

// State returns the current state.
func (m *Membership) State() MembershipState { return m.state }

// Room returns the joined room, or "".
func (m *Membership) Room() string { return m.room }

// Subscription describes the current membership.
func (m *Membership) Subscription() RoomSubscription {
	return RoomSubscription{RoomID: m.room, Active: m.state == Joined}
}
