// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package refresh

import (
	"sort"
	"sync"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber channel size when none is configured.
const DefaultSubscriberBuffer = 64

// Subscription is one observer's view of the event stream. Its channel is
// closed after a terminal event, when the subscriber falls behind, or on
// Cancel.
type Subscription struct {
	id uint64
	ch chan Event
	b  *Broadcaster

	once    sync.Once
	dropped bool
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports whether the subscription was closed because its buffer
// filled up. Only meaningful after the channel is closed.
func (s *Subscription) Dropped() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Cancel unsubscribes. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.remove(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Broadcaster fans events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full is dropped.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
}

// NewBroadcaster returns a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscribe registers a new subscriber and queues first as its first event.
func (b *Broadcaster) Subscribe(first Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, b.buffer), b: b}
	s.ch <- first
	b.subs[s.id] = s
	metrics.RefreshSubscribers.Set(float64(len(b.subs)))
	return s
}

// subscribeClosed returns a subscription that yields first and then ends.
// It is used when there is no job to follow.
func (b *Broadcaster) subscribeClosed(first Event) *Subscription {
	s := &Subscription{ch: make(chan Event, 1), b: b}
	s.ch <- first
	s.close()
	return s
}

// Publish delivers ev to every subscriber in subscription order. After a
// terminal event every subscription is closed.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.ordered() {
		select {
		case s.ch <- ev:
		default:
			s.dropped = true
			b.remove(s)
			metrics.RefreshSubscribersDropped.Inc()
			logging.Warn().Str("job_id", ev.JobID).Str("event", string(ev.Type)).
				Msg("Refresh subscriber fell behind; dropped")
		}
	}
	if ev.Type.Terminal() {
		for _, s := range b.ordered() {
			b.remove(s)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll ends every subscription without a further event.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.ordered() {
		b.remove(s)
	}
}

func (b *Broadcaster) ordered() []*Subscription {
	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// remove must be called with b.mu held.
func (b *Broadcaster) remove(s *Subscription) {
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		metrics.RefreshSubscribers.Set(float64(len(b.subs)))
	}
	s.close()
}
