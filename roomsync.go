// Package roomsync keeps a chat client's view of one room in sync with the
// server.
//
// A Room merges a REST history snapshot with the live event stream, tracks
// which room the shared connection is joined to, aggregates typing signals
// and holds the presence roster. The connection itself belongs to a Session,
// which is scoped to the auth token.
//
// Example:
//
//	sess := roomsync.NewSession(&roomsync.ConnConfig{URL: "ws://localhost:5000/ws", AutoReconnect: true})
//	defer sess.Close()
//
//	history := roomsync.NewHistoryClient(sess.Token, roomsync.WithBaseURL("http://localhost:5000/api"))
//	room := roomsync.NewRoom(history)
//	defer room.Close()
//
//	detach := sess.Attach(room)
//	defer detach()
//
//	room.On(roomsync.RoomEventMessages, func(_ string, s roomsync.Snapshot) { render(s.Messages) })
//	room.EnterRoom("general")
//	sess.SetToken(ctx, token)
//	room.SendMessage("hello")
package roomsync

import "time"

// ============================================================================
// Event vocabulary
// ============================================================================

const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventMessageSend    = "message:send"
	EventMessageNew     = "message:new"
	EventTyping         = "typing"
	EventPresenceUpdate = "presence:update"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL        = "http://localhost:5000/api"
	DefaultWSURL          = "ws://localhost:5000/ws"
	DefaultTimeout        = 30 * time.Second
	DefaultTypingDebounce = 800 * time.Millisecond
	DefaultTypingTTL      = 5 * time.Second
	DefaultTypingRefresh  = DefaultTypingTTL / 2
	DefaultQueueSize      = 256
)
