package download

import (
	"slices"
	"sync"
)

// dispatcher fans events out to subscribers and handlers from a single
// goroutine. publish never blocks, so callers may hold task locks.
type dispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	subs     map[*subscriber]struct{}
	handlers []func(Event)
	closed   bool
	done     chan struct{}
}

type subscriber struct {
	ch   chan Event
	quit chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

func (d *dispatcher) handle(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

func (d *dispatcher) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{
		ch:   make(chan Event, buffer),
		quit: make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	d.subs[s] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, s)
			d.mu.Unlock()
			close(s.quit)
		})
	}
}

// close delivers queued events, closes every subscriber channel and waits.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			for s := range d.subs {
				close(s.ch)
				delete(d.subs, s)
			}
			d.mu.Unlock()
			return
		}

		batch := d.queue
		d.queue = nil
		handlers := slices.Clone(d.handlers)
		subs := make([]*subscriber, 0, len(d.subs))
		for s := range d.subs {
			subs = append(subs, s)
		}
		d.mu.Unlock()

		for _, e := range batch {
			for _, fn := range handlers {
				fn(e)
			}
			for _, s := range subs {
				select {
				case s.ch <- e:
				case <-s.quit:
				}
			}
		}
	}
}
