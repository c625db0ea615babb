// Package events fans out account snapshots to live subscribers such as the SSE stream.
package events

import (
	"sync"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

// Broadcaster fans out snapshots to all subscribers via buffered channels.
// A subscriber that falls behind misses snapshots; the next one supersedes them anyway.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.AccountSnapshot]struct{}
	last   *domain.AccountSnapshot
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan domain.AccountSnapshot]struct{}),
		buffer: buffer,
	}
}

// Publish sends the snapshot to all subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(s domain.AccountSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives snapshots until Unsubscribe is called.
// The latest snapshot, if any, is delivered first.
func (b *Broadcaster) Subscribe() chan domain.AccountSnapshot {
	ch := make(chan domain.AccountSnapshot, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.last != nil {
		ch <- *b.last
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan domain.AccountSnapshot) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
