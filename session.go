package roomsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ChannelListener is notified when the session's channel comes and goes.
// Room implements it.
type ChannelListener interface {
	// ChannelAvailable is called with the new channel after a token is set.
	ChannelAvailable(ch Channel)
	// ChannelLost is called when the token is cleared or the session closes.
	ChannelLost()
	// ChannelReconnected is called after the transport re-established a
	// socket; room memberships must be re-sent.
	ChannelReconnected()
}

// Session owns the single connection of a process and ties its lifetime to
// the auth token. Rooms never open or close the connection themselves.
type Session struct {
	config ConnConfig
	log    zerolog.Logger

	mu        sync.Mutex
	token     string
	conn      *Conn
	announced bool
	nextID    uint64
	listeners map[uint64]ChannelListener
	closed    bool
}

// NewSession creates a session. config is the template for every connection;
// its Token field is ignored.
func NewSession(config *ConnConfig) *Session {
	cfg := *config
	cfg.Token = ""
	cfg.defaults()
	return &Session{
		config:    cfg,
		log:       cfg.Logger.With().Str("component", "session").Logger(),
		listeners: make(map[uint64]ChannelListener),
	}
}

// Token returns the current auth token, or "".
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Channel returns the current channel, or nil when there is no token.
func (s *Session) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn
}

// Attach registers l and immediately reports the current availability to
// it. The returned func detaches.
func (s *Session) Attach(l ChannelListener) (detach func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		l.ChannelAvailable(conn)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// SetToken swaps the connection for one authenticated with token. An empty
// token tears the connection down. The dial error of the new connection is
// returned; with AutoReconnect it keeps retrying regardless.
func (s *Session) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.closed || token == s.token {
		s.mu.Unlock()
		return nil
	}
	old := s.conn
	s.token = token
	s.conn = nil
	s.announced = false
	s.mu.Unlock()

	if old != nil {
		s.notify(func(l ChannelListener) { l.ChannelLost() })
		old.Close()
		s.log.Info().Str("conn", old.ID()).Msg("connection released")
	}
	if token == "" {
		return nil
	}

	cfg := s.config
	cfg.Token = token
	conn := NewConn(&cfg)
	conn.OnConnected(func() { s.reconnected(conn) })

	s.mu.Lock()
	if s.closed || s.token != token {
		s.mu.Unlock()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	err := conn.Open(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("conn", conn.ID()).Msg("initial connect failed")
	}

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return err
	}
	s.announced = true
	s.mu.Unlock()

	s.notify(func(l ChannelListener) { l.ChannelAvailable(conn) })
	return err
}

// reconnected forwards later (re)connects to listeners. The initial connect
// is covered by ChannelAvailable.
func (s *Session) reconnected(conn *Conn) {
	s.mu.Lock()
	current := s.conn == conn && s.announced
	s.mu.Unlock()
	if !current {
		return
	}
	s.notify(func(l ChannelListener) { l.ChannelReconnected() })
}

func (s *Session) notify(fn func(ChannelListener)) {
	s.mu.Lock()
	ls := make([]ChannelListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// Close releases the connection and stops notifying listeners.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.token = ""
	s.mu.Unlock()

	var err error
	if conn != nil {
		s.notify(func(l ChannelListener) { l.ChannelLost() })
		err = conn.Close()
	}

	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[uint64]ChannelListener)
	s.mu.Unlock()
	return err
}
