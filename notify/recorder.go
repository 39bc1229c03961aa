package notify

import (
	"log"
	"sync"

	"github.com/kisaan/fulfillment-engine/generic"
)

// Recorder keeps the most recent events for inspection and logs each one.
type Recorder struct {
	mu     sync.Mutex
	events []generic.Event
	limit  int
	done   chan struct{}
}

// Record subscribes a recorder holding up to limit events to bus.
func Record(bus *Bus, name string, limit int) (*Recorder, error) {
	ch := make(chan generic.Event, 64)
	if err := bus.Subscribe(name, "", ch); err != nil {
		return nil, err
	}
	r := &Recorder{limit: limit, done: make(chan struct{})}
	go r.consume(ch)
	return r, nil
}

func (r *Recorder) consume(ch <-chan generic.Event) {
	defer close(r.done)
	for e := range ch {
		log.Printf("[Notify] %s %s %s (%s -> %s) by %s", e.Name, e.Entity, e.EntityID, e.From, e.To, e.Actor)
		r.mu.Lock()
		r.events = append(r.events, e)
		if r.limit > 0 && len(r.events) > r.limit {
			r.events = r.events[len(r.events)-r.limit:]
		}
		r.mu.Unlock()
	}
}

// Events returns the recorded events, oldest first.
func (r *Recorder) Events() []generic.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]generic.Event(nil), r.events...)
}

// Wait blocks until the bus closed the recorder's channel and every event
// was recorded.
func (r *Recorder) Wait() { <-r.done }
