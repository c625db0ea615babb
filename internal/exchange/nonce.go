package exchange

import (
	"sync/atomic"
	"time"
)

// NonceSource hands out strictly increasing millisecond nonces.
type NonceSource struct {
	prev atomic.Int64
	now  func() time.Time
}

// NewNonceSource creates a nonce source backed by the wall clock.
func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

// Next returns a nonce close to the current unix millisecond and greater than any
// previously returned one.
func (n *NonceSource) Next() uint64 {
	for {
		prev := n.prev.Load()
		curr := n.now().UnixMilli()
		if curr <= prev {
			curr = prev + 1
		}
		if n.prev.CompareAndSwap(prev, curr) {
			return uint64(curr)
		}
	}
}
