package media

import (
	"sort"

	"github.com/king-prawns/Tape/internal/events"
)

// TextTrack holds cues ordered by start time and remembers which ones are
// active at the last update.
type TextTrack struct {
	Label  string
	cues   []events.Cue
	active map[string]bool
}

// NewTextTrack creates an empty track.
func NewTextTrack(label string) *TextTrack {
	return &TextTrack{Label: label, active: make(map[string]bool)}
}

// Cues returns a copy of the cue list.
func (t *TextTrack) Cues() []events.Cue {
	return append([]events.Cue(nil), t.cues...)
}

// Len is the number of cues.
func (t *TextTrack) Len() int {
	return len(t.cues)
}

// CueByID looks a cue up.
func (t *TextTrack) CueByID(id string) (events.Cue, bool) {
	for _, c := range t.cues {
		if c.ID == id {
			return c, true
		}
	}
	return events.Cue{}, false
}

// AddCue inserts c unless a cue with the same id exists.
func (t *TextTrack) AddCue(c events.Cue) bool {
	if _, ok := t.CueByID(c.ID); ok {
		return false
	}
	i := sort.Search(len(t.cues), func(i int) bool { return t.cues[i].Start > c.Start })
	t.cues = append(t.cues, events.Cue{})
	copy(t.cues[i+1:], t.cues[i:])
	t.cues[i] = c
	return true
}

// RemoveCue deletes a cue. It reports whether the cue was active.
func (t *TextTrack) RemoveCue(id string) (wasActive bool) {
	for i, c := range t.cues {
		if c.ID == id {
			t.cues = append(t.cues[:i], t.cues[i+1:]...)
			wasActive = t.active[id]
			delete(t.active, id)
			return wasActive
		}
	}
	return false
}

// IsActive reports whether the cue was active at the last Update.
func (t *TextTrack) IsActive(id string) bool {
	return t.active[id]
}

// Update recomputes the active cues at time now and returns the changes.
// Exits are reported before enters.
func (t *TextTrack) Update(now float64) (entered []events.Cue, exited []string) {
	current := make(map[string]bool)
	for _, c := range t.cues {
		if c.Start <= now && now < c.End {
			current[c.ID] = true
		}
	}
	for _, c := range t.cues {
		if t.active[c.ID] && !current[c.ID] {
			exited = append(exited, c.ID)
		}
	}
	for _, c := range t.cues {
		if current[c.ID] && !t.active[c.ID] {
			entered = append(entered, c)
		}
	}
	t.active = current
	return entered, exited
}
