package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(4)
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(domain.AccountSnapshot{State: domain.StateConnecting})

	assert.Equal(t, domain.StateConnecting, (<-a).State)
	assert.Equal(t, domain.StateConnecting, (<-c).State)
}

func TestBroadcasterReplaysLatestToNewSubscriber(t *testing.T) {
	b := NewBroadcaster(4)
	b.Publish(domain.AccountSnapshot{State: domain.StateNeedsDeposit})
	b.Publish(domain.AccountSnapshot{State: domain.StateReady})

	ch := b.Subscribe()
	require.Len(t, ch, 1)
	assert.Equal(t, domain.StateReady, (<-ch).State)
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(1)
	ch := b.Subscribe()

	b.Publish(domain.AccountSnapshot{State: domain.StateConnecting})
	b.Publish(domain.AccountSnapshot{State: domain.StateReady})

	require.Len(t, ch, 1)
	assert.Equal(t, domain.StateConnecting, (<-ch).State)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(1)
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	b.Publish(domain.AccountSnapshot{State: domain.StateReady})
}
