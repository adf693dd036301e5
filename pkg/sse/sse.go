// Package sse implements the SSE Broker (C13): a replayable, per-run event
// stream with Last-Event-Id resume, heartbeats, and drop-oldest
// backpressure (spec.md §4.10). Grounded on the teacher's
// pkg/observability/audit_timeline.go per-run indexed, monotonic-seq
// append log, generalized from a queryable audit timeline to a bounded
// ring buffer with live subscriber fan-out.
package sse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Event is one emitted run-log or guard event.
type Event struct {
	ID   int64
	Kind string
	Data string
}

// bufferCapacity bounds each run's ring buffer, per spec.md §5 ("per-run
// ring buffer of recent events").
const bufferCapacity = 256

// subscriber is one live SSE connection's delivery channel.
type subscriber struct {
	ch chan Event
}

// runState holds one run's buffer and live subscribers.
type runState struct {
	mu          sync.Mutex
	buffer      []Event
	nextID      int64
	subscribers map[*subscriber]struct{}
	dropped     int64
}

// Broker fans out events to subscribers, replaying from a ring buffer on
// (re)connect. One Broker instance serves all runs; state is keyed and
// locked per run so one busy run never blocks another (spec.md §5).
type Broker struct {
	mu   sync.RWMutex
	runs map[string]*runState

	maxConcurrentStreams int
	onSubscribe          func(runID string, count int)
	onUnsubscribe        func(runID string, count int)
}

// NewBroker builds a Broker. maxConcurrentStreams <= 0 means unbounded.
func NewBroker(maxConcurrentStreams int) *Broker {
	return &Broker{
		runs:                 make(map[string]*runState),
		maxConcurrentStreams: maxConcurrentStreams,
	}
}

// OnSubscribe/OnUnsubscribe let the caller wire a gauge (e.g.
// sse_active_streams) without this package depending on pkg/metrics
// directly.
func (b *Broker) OnSubscribe(f func(runID string, count int))   { b.onSubscribe = f }
func (b *Broker) OnUnsubscribe(f func(runID string, count int)) { b.onUnsubscribe = f }

func (b *Broker) getRun(runID string) *runState {
	b.mu.RLock()
	r, ok := b.runs[runID]
	b.mu.RUnlock()
	if ok {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok = b.runs[runID]; ok {
		return r
	}
	r = &runState{subscribers: make(map[*subscriber]struct{})}
	b.runs[runID] = r
	return r
}

// Publish appends an event to runID's buffer and fans it out to live
// subscribers, dropping the oldest buffered event if at capacity and
// skipping (counting) delivery to any subscriber whose channel is full
// rather than blocking the publisher (spec.md §5).
func (b *Broker) Publish(runID string, kind, data string) Event {
	r := b.getRun(runID)

	r.mu.Lock()
	r.nextID++
	ev := Event{ID: r.nextID, Kind: kind, Data: data}
	r.buffer = append(r.buffer, ev)
	if len(r.buffer) > bufferCapacity {
		r.buffer = r.buffer[len(r.buffer)-bufferCapacity:]
	}
	subs := make([]*subscriber, 0, len(r.subscribers))
	for s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
		}
	}
	return ev
}

// Subscribe registers a new subscriber for runID, replaying any buffered
// events after lastEventID (0 = replay the whole buffer), and returns a
// channel of subsequent events plus an unsubscribe func the caller must
// invoke on disconnect.
func (b *Broker) Subscribe(ctx context.Context, runID string, lastEventID int64) (replay []Event, live <-chan Event, unsubscribe func(), err error) {
	r := b.getRun(runID)

	b.mu.RLock()
	activeCount := 0
	for _, rs := range b.runs {
		rs.mu.Lock()
		activeCount += len(rs.subscribers)
		rs.mu.Unlock()
	}
	b.mu.RUnlock()
	if b.maxConcurrentStreams > 0 && activeCount >= b.maxConcurrentStreams {
		return nil, nil, nil, fmt.Errorf("sse: max concurrent streams reached")
	}

	sub := &subscriber{ch: make(chan Event, bufferCapacity)}

	r.mu.Lock()
	for _, ev := range r.buffer {
		if ev.ID > lastEventID {
			replay = append(replay, ev)
		}
	}
	r.subscribers[sub] = struct{}{}
	count := len(r.subscribers)
	r.mu.Unlock()

	if b.onSubscribe != nil {
		b.onSubscribe(runID, count)
	}

	unsubscribe = func() {
		r.mu.Lock()
		delete(r.subscribers, sub)
		count := len(r.subscribers)
		r.mu.Unlock()
		if b.onUnsubscribe != nil {
			b.onUnsubscribe(runID, count)
		}
	}

	return replay, sub.ch, unsubscribe, nil
}

// HeartbeatInterval is the maximum gap between keepalive events, per
// spec.md §4.10 ("heartbeat every <= 15s").
const HeartbeatInterval = 15 * time.Second

// Dropped returns the count of events dropped for runID due to a slow
// subscriber's full channel.
func (b *Broker) Dropped(runID string) int64 {
	r := b.getRun(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
