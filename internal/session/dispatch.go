package session

import (
	"context"
	"sync"

	"github.com/srg/snoozy/internal/groutine"
)

// dispatcher delivers events to observers on one goroutine, in production
// order. Producers never block on observers, and an observer may call back
// into the controller.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	observers map[int]func(Event)
	nextID    int
	closed    bool
	done      <-chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{observers: make(map[int]func(Event))}
	d.cond = sync.NewCond(&d.mu)
	d.done = groutine.Go(context.Background(), "session-events", d.loop)
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

func (d *dispatcher) publish(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, evs...)
	d.cond.Signal()
}

func (d *dispatcher) loop(context.Context) {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		obs := make([]func(Event), 0, len(d.observers))
		for _, fn := range d.observers {
			obs = append(obs, fn)
		}
		d.mu.Unlock()

		for _, fn := range obs {
			fn(ev)
		}
	}
}

// close stops accepting events and waits until the queue is drained.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
