// Package transfer defines the boundary between the download orchestrator
// and whatever moves the bytes.
package transfer

import (
	"context"
	"errors"
	"fmt"
)

// ErrTLSHandshake marks failures caused by a TLS handshake or certificate
// problem. Engines wrap such errors so callers can test with errors.Is.
var ErrTLSHandshake = errors.New("tls handshake failed")

// WrapTLS tags err as a TLS handshake failure.
func WrapTLS(err error) error {
	if err == nil || errors.Is(err, ErrTLSHandshake) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTLSHandshake, err)
}

// Handle identifies one transfer inside an engine.
type Handle int64

// Request describes a single file transfer.
type Request struct {
	URL      string
	Dir      string
	FileName string
	Checksum string // optional "algorithm:hex"
}

// Listener receives the events of one transfer. An engine delivers them
// from a single goroutine in order: OnStart, any number of OnProgress, then
// exactly one of OnComplete, OnError or OnCancel. A transfer cancelled or
// failed before its connection opened skips OnStart.
type Listener interface {
	OnStart()
	OnProgress(current, total int64)
	OnComplete()
	OnError(err error)
	OnCancel()
}

// Engine moves bytes. Cancel and CancelAll are safe on finished or unknown
// handles.
type Engine interface {
	StartDownload(ctx context.Context, req Request, l Listener) (Handle, error)
	Cancel(h Handle)
	CancelAll()
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Start    func()
	Progress func(current, total int64)
	Complete func()
	Error    func(err error)
	Cancel   func()
}

func (f ListenerFuncs) OnStart() {
	if f.Start != nil {
		f.Start()
	}
}

func (f ListenerFuncs) OnProgress(current, total int64) {
	if f.Progress != nil {
		f.Progress(current, total)
	}
}

func (f ListenerFuncs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ListenerFuncs) OnCancel() {
	if f.Cancel != nil {
		f.Cancel()
	}
}
