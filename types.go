package roomsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// UserRef identifies a user in message attribution and presence.
type UserRef struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresenceEntry is one occupant in a presence:update snapshot.
type PresenceEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Message is a chat message as seen by the client. ID, Sender and SentAt may
// be absent.
type Message struct {
	ID      string     `json:"id,omitempty"`
	Room    string     `json:"room,omitempty"`
	Sender  *UserRef   `json:"sender,omitempty"`
	Content string     `json:"content"`
	SentAt  *time.Time `json:"sentAt,omitempty"`
}

type messageWire struct {
	ID        string      `json:"id"`
	MongoID   string      `json:"_id"`
	Room      string      `json:"room"`
	Sender    *senderWire `json:"sender"`
	Content   string      `json:"content"`
	SentAt    *time.Time  `json:"sentAt"`
	Timestamp *time.Time  `json:"timestamp"`
}

type senderWire struct {
	UserID   string `json:"userId"`
	MongoID  string `json:"_id"`
	Username string `json:"username"`
}

// UnmarshalJSON accepts both the canonical field names and the ones emitted
// by document-store backends (_id, timestamp).
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:      firstNonEmpty(w.ID, w.MongoID),
		Room:    w.Room,
		Content: w.Content,
		SentAt:  w.SentAt,
	}
	if m.SentAt == nil {
		m.SentAt = w.Timestamp
	}
	if w.Sender != nil {
		m.Sender = &UserRef{
			UserID:   firstNonEmpty(w.Sender.UserID, w.Sender.MongoID),
			Username: w.Sender.Username,
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// RoomSubscription describes the membership a Membership holds.
type RoomSubscription struct {
	RoomID string `json:"roomId"`
	Active bool   `json:"active"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// TypingEvent is the inbound typing signal; the server fills in the user.
type TypingEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type typingCommand struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

type sendCommand struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

// Envelope is the wire format for all channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by Conn.Emit when there is no live socket.
	ErrNotConnected = errors.New("not connected")
	// ErrNoToken is returned by HistoryClient when the session has no token.
	ErrNoToken = errors.New("no auth token")
)

// HTTPError is returned for non-2xx REST responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}
