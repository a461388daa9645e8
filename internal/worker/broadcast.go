package worker

import (
	"sync"

	"go.uber.org/atomic"

	"nicmon/internal/model"
)

// Broadcaster fans samples out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the sample.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan model.Sample
	next   int
	latest map[model.MetricKind]model.Sample
	closed bool

	dropped atomic.Int64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   map[int]chan model.Sample{},
		latest: map[model.MetricKind]model.Sample{},
	}
}

// Subscribe returns a channel of samples and a function that cancels the subscription.
func (b *Broadcaster) Subscribe(buffer int) (<-chan model.Sample, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.Sample, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broadcaster) Publish(s model.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest[s.Kind] = s
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			b.dropped.Inc()
		}
	}
}

// Latest returns the most recent sample of each kind.
func (b *Broadcaster) Latest() map[model.MetricKind]model.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[model.MetricKind]model.Sample, len(b.latest))
	for k, v := range b.latest {
		out[k] = v
	}
	return out
}

// Dropped counts samples a slow subscriber missed.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
