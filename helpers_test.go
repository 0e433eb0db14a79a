package roomsync

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake channel
// ============================================================================

type sentEvent struct {
	Event   string
	Payload any
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []sentEvent
	onSend func(sentEvent)
	d      *dispatcher
	down   atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{d: newDispatcher()}
}

func (f *fakeChannel) Send(event string, payload any) {
	f.mu.Lock()
	ev := sentEvent{Event: event, Payload: payload}
	f.sent = append(f.sent, ev)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (f *fakeChannel) Connected() bool { return !f.down.Load() }

func (f *fakeChannel) Subscribe(event string, h Handler) func() {
	return f.d.subscribe(event, h)
}

// fire delivers a server event as the transport would.
func (f *fakeChannel) fire(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.d.dispatch(Envelope{Type: event, Payload: data})
}

func (f *fakeChannel) events(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, ev := range f.sent {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeChannel) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, ev := range f.sent {
		out = append(out, ev.Event)
	}
	return out
}

// ============================================================================
// Fake history
// ============================================================================

type staticHistory struct {
	rooms map[string][]Message
	err   error
}

func (h *staticHistory) FetchHistory(ctx context.Context, roomID string) ([]Message, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.rooms[roomID], nil
}

type historyReply struct {
	msgs []Message
	err  error
}

type historyCall struct {
	room  string
	reply chan historyReply
}

// gatedHistory blocks every fetch until the test answers it. It ignores
// cancellation so late answers exercise the staleness guard.
type gatedHistory struct {
	calls chan historyCall
}

func newGatedHistory() *gatedHistory {
	return &gatedHistory{calls: make(chan historyCall, 16)}
}

func (h *gatedHistory) FetchHistory(ctx context.Context, roomID string) ([]Message, error) {
	reply := make(chan historyReply, 1)
	h.calls <- historyCall{room: roomID, reply: reply}
	r := <-reply
	return r.msgs, r.err
}

func (h *gatedHistory) next(t *testing.T) historyCall {
	t.Helper()
	select {
	case c := <-h.calls:
		return c
	case <-time.After(time.Second):
		t.Fatal("no history fetch issued")
		return historyCall{}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func msg(id, content string) Message {
	return Message{ID: id, Content: content}
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
