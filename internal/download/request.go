package download

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid download request")

// Request describes one download. Zero durations and retry counts take the
// orchestrator defaults.
type Request struct {
	URL            string
	Dir            string
	FileName       string
	ConnectTimeout time.Duration // watchdog budget for leaving Connecting
	ProbeTimeout   time.Duration // per connectivity probe attempt
	MaxRetries     int           // connectivity probe attempts
	Debounce       bool
	Checksum       string // optional "algorithm:hex"
	Tag            any    // opaque, echoed on every event
}

// Path is the destination file path.
func (r Request) Path() string {
	return filepath.Join(r.Dir, r.FileName)
}

// Validate checks that the request can be attempted.
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: missing scheme or host in %q", ErrInvalidRequest, r.URL)
	}
	if r.FileName == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalidRequest)
	}
	if strings.ContainsAny(r.FileName, `/\`) {
		return fmt.Errorf("%w: file name %q contains a path separator", ErrInvalidRequest, r.FileName)
	}
	if r.ConnectTimeout < 0 || r.ProbeTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	return nil
}
