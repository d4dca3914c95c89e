package download

import "time"

// Handle identifies a download task. Handles are never reused.
type Handle string

// EventKind distinguishes status changes from progress updates.
type EventKind int

const (
	EventStatus EventKind = iota
	EventProgress
)

// Event is one entry in a task's event stream.
type Event struct {
	Kind    EventKind
	Handle  Handle
	URL     string
	Path    string
	Tag     any
	Status  Status  // current status, set on both kinds
	Percent float64 // progress events only
	Current int64   // bytes transferred, progress events only
	Total   int64   // bytes expected, progress events only
	Cause   string  // why a terminal status was reached
	Time    time.Time
}

// Terminal reports whether e is a terminal status event.
func (e Event) Terminal() bool {
	return e.Kind == EventStatus && e.Status.IsTerminal()
}
