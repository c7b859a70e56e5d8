package event

import "sync"

// Sink receives committed events. Emit must not fail the operation that
// produced the event.
type Sink interface {
	Emit(env *EventEnvelope)
}

// ChannelSink forwards envelopes to a channel. A blocking sink applies
// backpressure to the engine (persistence); a non-blocking one drops when
// the channel is full (projections rebuild from the event log).
type ChannelSink struct {
	ch       chan<- *EventEnvelope
	blocking bool
	onDrop   func(*EventEnvelope)
}

func NewChannelSink(ch chan<- *EventEnvelope, blocking bool, onDrop func(*EventEnvelope)) *ChannelSink {
	return &ChannelSink{ch: ch, blocking: blocking, onDrop: onDrop}
}

func (s *ChannelSink) Emit(env *EventEnvelope) {
	if s.blocking {
		s.ch <- env
		return
	}
	select {
	case s.ch <- env:
	default:
		if s.onDrop != nil {
			s.onDrop(env)
		}
	}
}

// FanOut emits to every sink in order.
type FanOut []Sink

func (f FanOut) Emit(env *EventEnvelope) {
	for _, s := range f {
		s.Emit(env)
	}
}

// Recorder keeps every envelope in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []*EventEnvelope
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(env *EventEnvelope) {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
}

func (r *Recorder) Events() []*EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*EventEnvelope(nil), r.events...)
}

// Types lists the recorded event types in emission order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
