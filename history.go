package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// HistoryFetcher loads the message history of a room.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, roomID string) ([]Message, error)
}

// TokenSource returns the current bearer token, or "" when signed out.
type TokenSource func() string

// ============================================================================
// History Client
// ============================================================================

// HistoryClient fetches room history over REST.
type HistoryClient struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	log        zerolog.Logger
}

// HistoryOption configures a HistoryClient.
type HistoryOption func(*HistoryClient)

// WithBaseURL sets the REST base URL. Defaults to DefaultBaseURL.
func WithBaseURL(u string) HistoryOption {
	return func(c *HistoryClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client used for history requests.
func WithHTTPClient(client *http.Client) HistoryOption {
	return func(c *HistoryClient) { c.httpClient = client }
}

// WithHistoryLogger sets the logger. The default discards everything.
func WithHistoryLogger(log zerolog.Logger) HistoryOption {
	return func(c *HistoryClient) { c.log = log }
}

// NewHistoryClient creates a client that authenticates with token.
func NewHistoryClient(token TokenSource, opts ...HistoryOption) *HistoryClient {
	c := &HistoryClient{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchHistory performs GET /rooms/{roomId}/messages.
func (c *HistoryClient) FetchHistory(ctx context.Context, roomID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages")
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	c.log.Debug().Str("room", roomID).Int("count", len(msgs)).Msg("history fetched")
	return msgs, nil
}

func (c *HistoryClient) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	token := ""
	if c.token != nil {
		token = c.token()
	}
	if token == "" {
		return nil, ErrNoToken
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// ============================================================================
// Reconciler
// ============================================================================

// SeedTicket identifies one history fetch. A ticket goes stale as soon as a
// newer seed begins or the reconciler is reset.
type SeedTicket struct {
	Room string
	gen  uint64
}

// SeedResult reports how a seed resolved. A stale result changed nothing.
// Err is set when the fetch failed and history degraded to empty.
type SeedResult struct {
	Room  string
	Stale bool
	Count int
	Err   error
}

// Reconciler merges a history snapshot with live messages into one ordered
// sequence. Order is arrival order at the reconciler, not SentAt.
//
// Live messages that arrive while a seed is in flight are shown at once and
// kept aside; when the seed resolves they are re-appended after the snapshot
// unless the snapshot already holds their ID.
type Reconciler struct {
	gen      uint64
	room     string
	seeding  bool
	messages []Message
	pending  []Message
}

// NewReconciler returns an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Begin starts a seed for roomID. The visible sequence is left as is until
// the seed resolves.
func (r *Reconciler) Begin(roomID string) SeedTicket {
	r.gen++
	r.room = roomID
	r.seeding = true
	r.pending = nil
	return SeedTicket{Room: roomID, gen: r.gen}
}

// Resolve applies a seed response. Responses for anything but the latest
// Begin are discarded.
func (r *Reconciler) Resolve(t SeedTicket, msgs []Message, err error) SeedResult {
	if t.gen != r.gen || !r.seeding || t.Room != r.room {
		return SeedResult{Room: t.Room, Stale: true}
	}
	r.seeding = false
	if err != nil {
		msgs = nil
	}

	seen := make(map[string]struct{}, len(msgs))
	merged := make([]Message, 0, len(msgs)+len(r.pending))
	for _, m := range msgs {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
		merged = append(merged, m)
	}
	for _, m := range r.pending {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
		}
		merged = append(merged, m)
	}
	r.messages = merged
	r.pending = nil
	return SeedResult{Room: t.Room, Count: len(msgs), Err: err}
}

// Append adds a live message to the end of the sequence.
func (r *Reconciler) Append(m Message) {
	r.messages = append(r.messages, m)
	if r.seeding {
		r.pending = append(r.pending, m)
	}
}

// Seeding reports whether a seed is in flight.
func (r *Reconciler) Seeding() bool { return r.seeding }

// Reset clears everything and invalidates outstanding tickets.
func (r *Reconciler) Reset() {
	r.gen++
	r.room = ""
	r.seeding = false
	r.messages = nil
	r.pending = nil
}

// Messages returns a copy of the sequence.
func (r *Reconciler) Messages() []Message {
	return append([]Message(nil), r.messages...)
}

// Len returns the sequence length.
func (r *Reconciler) Len() int { return len(r.messages) }
