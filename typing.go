package roomsync

import (
	"strings"
	"time"
)

// ============================================================================
// Typing Aggregator
// ============================================================================

type typingEntry struct {
	username  string
	expiresAt time.Time
}

// TypingAggregator tracks who is typing in the current room. A stop signal
// removes the user; entries whose stop signal never arrived expire after the
// TTL and are reaped on every read.
//
// Not safe for concurrent use.
type TypingAggregator struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[string]typingEntry
	order   []string
}

// NewTypingAggregator creates an aggregator. ttl <= 0 uses DefaultTypingTTL.
func NewTypingAggregator(ttl time.Duration) *TypingAggregator {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingAggregator{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]typingEntry),
	}
}

// OnTypingEvent records ev. A user who keeps typing keeps their position.
func (a *TypingAggregator) OnTypingEvent(ev TypingEvent) {
	if ev.UserID == "" {
		return
	}
	if !ev.IsTyping || ev.Username == "" {
		a.remove(ev.UserID)
		return
	}
	if _, ok := a.entries[ev.UserID]; !ok {
		a.order = append(a.order, ev.UserID)
	}
	a.entries[ev.UserID] = typingEntry{username: ev.Username, expiresAt: a.now().Add(a.ttl)}
}

func (a *TypingAggregator) remove(userID string) {
	if _, ok := a.entries[userID]; !ok {
		return
	}
	delete(a.entries, userID)
	for i, id := range a.order {
		if id == userID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *TypingAggregator) reap() {
	now := a.now()
	for _, id := range append([]string(nil), a.order...) {
		if !now.Before(a.entries[id].expiresAt) {
			a.remove(id)
		}
	}
}

// Names returns the names of users currently typing, oldest first.
func (a *TypingAggregator) Names() []string {
	a.reap()
	names := make([]string, 0, len(a.order))
	for _, id := range a.order {
		names = append(names, a.entries[id].username)
	}
	return names
}

// NextExpiry returns when the earliest entry expires, or false if none.
func (a *TypingAggregator) NextExpiry() (time.Time, bool) {
	var next time.Time
	for _, e := range a.entries {
		if next.IsZero() || e.expiresAt.Before(next) {
			next = e.expiresAt
		}
	}
	return next, !next.IsZero()
}

// Summary renders the "who is typing" line.
func (a *TypingAggregator) Summary() string {
	return summarizeTyping(a.Names())
}

// Reset forgets everyone.
func (a *TypingAggregator) Reset() {
	a.entries = make(map[string]typingEntry)
	a.order = nil
}

func summarizeTyping(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	}
	s := strings.Join(names[:2], ", ")
	if len(names) > 2 {
		s += " and others"
	}
	return s + " are typing..."
}

// ============================================================================
// Typing Debouncer
// ============================================================================

// TypingDebouncer coalesces local keystrokes into one start signal and one
// stop signal. The stop fires after delay without keystrokes; there is never
// more than one pending stop timer. While typing continues the start signal
// is repeated every refresh so peers do not expire the entry.
//
// Timer callbacks are handed to post, which must run them serialized with
// the other calls. Not safe for concurrent use otherwise.
type TypingDebouncer struct {
	delay    time.Duration
	refresh  time.Duration
	now      func() time.Time
	emit     func(isTyping bool)
	post     func(func()) bool
	timer    *time.Timer
	seq      uint64
	active   bool
	lastSent time.Time
}

// NewTypingDebouncer creates a debouncer. delay <= 0 uses
// DefaultTypingDebounce; refresh <= 0 uses DefaultTypingRefresh.
func NewTypingDebouncer(delay, refresh time.Duration, emit func(isTyping bool), post func(func()) bool) *TypingDebouncer {
	if delay <= 0 {
		delay = DefaultTypingDebounce
	}
	if refresh <= 0 {
		refresh = DefaultTypingRefresh
	}
	return &TypingDebouncer{delay: delay, refresh: refresh, now: time.Now, emit: emit, post: post}
}

// Keystroke signals typing and re-arms the stop timer.
func (d *TypingDebouncer) Keystroke() {
	now := d.now()
	if !d.active || now.Sub(d.lastSent) >= d.refresh {
		d.active = true
		d.lastSent = now
		d.emit(true)
	}
	d.stopTimer()
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.delay, func() {
		d.post(func() { d.fire(seq) })
	})
}

func (d *TypingDebouncer) fire(seq uint64) {
	if seq != d.seq || !d.active {
		return
	}
	d.timer = nil
	d.active = false
	d.emit(false)
}

func (d *TypingDebouncer) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Cancel drops a pending stop without emitting it.
func (d *TypingDebouncer) Cancel() {
	d.stopTimer()
	d.seq++
	d.active = false
}

// Pending reports whether a stop timer is armed.
func (d *TypingDebouncer) Pending() bool { return d.timer != nil }

// Active reports whether a start was sent without its stop.
func (d *TypingDebouncer) Active() bool { return d.active }
