package download

import (
	"context"
	"sync"
	"time"

	"github.com/kilimcininkoroglu/kapi/internal/transfer"
	"github.com/kilimcininkoroglu/kapi/internal/watchdog"
)

// task is the orchestrator's record of one download. Every field below mu
// is read and written only with mu held.
type task struct {
	handle  Handle
	req     Request
	created time.Time

	mu              sync.Mutex
	status          Status
	lastPercent     float64
	probeCancel     context.CancelFunc
	watchdog        *watchdog.Watchdog
	engineHandle    transfer.Handle
	engineStarted   bool
	cancelRequested bool
	watchdogFired   bool
}

func newTask(h Handle, req Request) *task {
	return &task{
		handle:  h,
		req:     req,
		created: time.Now(),
	}
}

func (t *task) event(kind EventKind) Event {
	return Event{
		Kind:   kind,
		Handle: t.handle,
		URL:    t.req.URL,
		Path:   t.req.Path(),
		Tag:    t.req.Tag,
		Status: t.status,
		Time:   time.Now(),
	}
}

// taskListener feeds engine events for one task back into the orchestrator.
type taskListener struct {
	o *Orchestrator
	t *task
}

func (l taskListener) OnStart()                        { l.o.onStart(l.t) }
func (l taskListener) OnProgress(current, total int64) { l.o.onProgress(l.t, current, total) }
func (l taskListener) OnComplete()                     { l.o.onComplete(l.t) }
func (l taskListener) OnError(err error)               { l.o.onError(l.t, err) }
func (l taskListener) OnCancel()                       { l.o.onCancel(l.t) }
