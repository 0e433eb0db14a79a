package roomsync

// Roster holds the occupants of the current room. Every update replaces it
// wholesale.
type Roster struct {
	entries []PresenceEntry
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{}
}

// Replace makes list the whole roster.
func (r *Roster) Replace(list []PresenceEntry) {
	r.entries = append([]PresenceEntry(nil), list...)
}

// Count returns the number of users online.
func (r *Roster) Count() int { return len(r.entries) }

// Names returns usernames in snapshot order.
func (r *Roster) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Username)
	}
	return names
}

// Entries returns a copy of the roster in server order.
func (r *Roster) Entries() []PresenceEntry {
	return append([]PresenceEntry(nil), r.entries...)
}

// Reset empties the roster.
func (r *Roster) Reset() { r.entries = nil }
