package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures a websocket connection.
type ConnConfig struct {
	URL           string
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	WriteTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Conn
// ============================================================================

// Conn is a websocket event channel with auto-reconnect and heartbeat. At
// most one socket is live at a time; events written while it is down are
// dropped.
type Conn struct {
	id         string
	config     *ConnConfig
	log        zerolog.Logger
	dispatcher *dispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	closed           chan struct{}
	closeOnce        sync.Once
}

// NewConn creates a connection. Call Connect or Open to dial.
func NewConn(config *ConnConfig) *Conn {
	cfg := *config
	cfg.defaults()
	id := uuid.NewString()
	return &Conn{
		id:         id,
		config:     &cfg,
		log:        cfg.Logger.With().Str("conn", id).Logger(),
		dispatcher: newDispatcher(),
		state:      StateDisconnected,
		recon:      newReconnector(&cfg),
		closed:     make(chan struct{}),
	}
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id }

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) dialURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	if c.config.Token != "" {
		q := u.Query()
		q.Set("token", c.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect establishes the websocket connection.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	wsURL, err := c.dialURL()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return fmt.Errorf("connection closed")
	}
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.recon.markConnected()
	c.mu.Unlock()

	c.log.Info().Str("url", c.config.URL).Msg("connected")
	c.dispatcher.emitConnected()

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)

	return nil
}

// Open connects and, when the first dial fails and AutoReconnect is set,
// keeps retrying in the background. The dial error is still returned.
func (c *Conn) Open(ctx context.Context) error {
	err := c.Connect(ctx)
	if err != nil && c.config.AutoReconnect {
		go c.scheduleReconnect()
	}
	return err
}

// Close gracefully closes the connection and stops reconnecting.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.recon.reset()
	c.mu.Unlock()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
		return err
	}
	return nil
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if !intentional && c.conn == conn {
				c.conn = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			code := int(websocket.CloseStatus(err))
			c.log.Warn().Err(err).Int("code", code).Msg("connection lost")
			c.dispatcher.emitDisconnected(code, err.Error())

			if c.config.AutoReconnect {
				c.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug().Err(err).Msg("malformed envelope")
			continue
		}
		c.dispatcher.dispatch(env)
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Conn) scheduleReconnect() {
	for {
		c.mu.Lock()
		if c.state == StateClosed || !c.recon.shouldReconnect() {
			if c.state != StateClosed {
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			c.log.Warn().Msg("giving up reconnecting")
			return
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.state = StateReconnecting
		c.mu.Unlock()

		c.dispatcher.emitReconnecting(attempt, delay)
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-c.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		// Connect is a no-op unless the state says we are down
		c.setState(StateDisconnected)
		if err := c.Connect(context.Background()); err != nil {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		return
	}
}
