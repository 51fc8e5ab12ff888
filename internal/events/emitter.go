// Package events publishes run events. The store's ledger is the
// authoritative record; the emitter is a best-effort live feed with a
// bounded buffer that drops the oldest event under pressure.
package events

import (
	"sync"

	"scribe/internal/logging"
	"scribe/internal/types"
)

// DefaultBufferSize is the emitter's channel capacity.
const DefaultBufferSize = 256

// Sink receives emitted events. Deliver must not block for long; slow
// sinks cause drops, never backpressure on the run loop.
type Sink interface {
	Deliver(ev types.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev types.Event)

func (f SinkFunc) Deliver(ev types.Event) { f(ev) }

// Emitter fans events out to sinks from a single dispatch goroutine.
// Publish never blocks: when the buffer is full the oldest buffered event
// is dropped to make room.
type Emitter struct {
	mu     sync.Mutex
	sinks  []Sink
	buf    chan types.Event
	done   chan struct{}
	once   sync.Once
	closed bool

	dropped int64
}

// NewEmitter starts an emitter with the given buffer capacity (0 uses the
// default).
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	e := &Emitter{
		buf:  make(chan types.Event, bufferSize),
		done: make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// Subscribe adds a sink. Sinks added after events were dispatched only see
// subsequent events.
func (e *Emitter) Subscribe(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Publish enqueues an event without blocking. Under pressure the oldest
// buffered event is dropped so the newest always fits.
func (e *Emitter) Publish(ev types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	for {
		select {
		case e.buf <- ev:
			return
		default:
		}
		select {
		case old := <-e.buf:
			e.dropped++
			logging.EventsDebug("Emitter buffer full, dropped event %s/%d", old.Channel, old.Seq)
		default:
		}
	}
}

// Dropped returns how many events were discarded under pressure.
func (e *Emitter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close stops accepting events and waits for buffered events to drain.
func (e *Emitter) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.buf)
		<-e.done
	})
}

func (e *Emitter) dispatch() {
	defer close(e.done)
	for ev := range e.buf {
		e.mu.Lock()
		sinks := make([]Sink, len(e.sinks))
		copy(sinks, e.sinks)
		e.mu.Unlock()

		for _, s := range sinks {
			s.Deliver(ev)
		}
	}
}
