/*
Package notify broadcasts lifecycle events to in-process subscribers.

PURPOSE:
  The engine emits an event on every status change and moves on. Delivery
  is best effort: Publish never blocks the caller, and a subscriber that
  cannot keep up loses events instead of slowing the engine down.

FLOW:
  Publish -> buffered bus channel -> listener goroutine -> every subscriber
  whose prefix matches the event name (non-blocking send per subscriber)

SHUTDOWN:
  Close stops accepting events, drains what is already buffered to the
  subscribers, then closes every subscriber channel.
*/
package notify

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kisaan/fulfillment-engine/generic"
)

type subscriber struct {
	name   string
	prefix string
	ch     chan<- generic.Event
}

// Bus is a generic.Publisher with named subscribers.
type Bus struct {
	mu     sync.RWMutex
	in     chan generic.Event
	subs   []subscriber
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

// NewBus starts a bus whose inbound buffer holds `buffer` events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	b := &Bus{
		in:   make(chan generic.Event, buffer),
		done: make(chan struct{}),
	}
	go b.listen()
	return b
}

// Subscribe registers ch for every event whose name starts with prefix
// ("" for all). The bus closes ch on Close.
func (b *Bus) Subscribe(name, prefix string, ch chan<- generic.Event) error {
	if ch == nil {
		return fmt.Errorf("subscriber %q has no channel", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed, cannot subscribe %q", name)
	}
	for _, s := range b.subs {
		if s.name == name {
			return fmt.Errorf("subscriber %q already registered", name)
		}
	}
	b.subs = append(b.subs, subscriber{name: name, prefix: prefix, ch: ch})
	return nil
}

// Publish queues e for delivery without blocking. Events published after
// Close, or while the buffer is full, are dropped and logged.
func (b *Bus) Publish(e generic.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop(e, "bus closed")
		return
	}
	select {
	case b.in <- e:
	default:
		b.drop(e, "buffer full")
	}
}

// Dropped reports how many events were lost so far.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close drains buffered events to subscribers and closes their channels.
// Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.in)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) listen() {
	defer close(b.done)
	for e := range b.in {
		b.broadcast(e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		close(s.ch)
	}
	log.Printf("[Notify] Bus closed (%d events dropped)", b.dropped.Load())
}

func (b *Bus) broadcast(e generic.Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		if !strings.HasPrefix(string(e.Name), s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.drop(e, "subscriber "+s.name+" is full")
		}
	}
}

func (b *Bus) drop(e generic.Event, why string) {
	b.dropped.Add(1)
	log.Printf("[Notify] Dropped %s for %s %s: %s", e.Name, e.Entity, e.EntityID, why)
}
