// Package download sequences a network-gated file download: connectivity is
// confirmed first, then the transfer engine runs under a watchdog, and every
// task reports a forward-only series of statuses.
package download

// Status is the state of one download task.
type Status string

const (
	StatusConnecting  Status = "connecting"
	StatusDownloading Status = "downloading"
	StatusSuccess     Status = "success"
	StatusTimeout     Status = "timeout"
	StatusCancel      Status = "cancel"
	StatusTLSFailure  Status = "tls_failure"
)

// IsTerminal reports whether no further status can follow.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusTimeout, StatusCancel, StatusTLSFailure:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task is still in flight.
func (s Status) IsActive() bool {
	return s == StatusConnecting || s == StatusDownloading
}

// rank orders statuses along the state machine. Terminal statuses share
// the highest rank, so none can follow another.
func (s Status) rank() int {
	switch s {
	case StatusConnecting:
		return 1
	case StatusDownloading:
		return 2
	case StatusSuccess, StatusTimeout, StatusCancel, StatusTLSFailure:
		return 3
	default:
		return 0
	}
}

// canAdvance reports whether a task in status s may move to next.
func (s Status) canAdvance(next Status) bool {
	return next.rank() > s.rank()
}

// Percent converts byte counters to a 0-100 percentage. An unknown or zero
// total yields 0.
func Percent(current, total int64) float64 {
	if total <= 0 || current <= 0 {
		return 0
	}
	p := float64(current) * 100 / float64(total)
	if p > 100 {
		return 100
	}
	return p
}
