// Package bus implements the Event Bus (C8): a typed publish/subscribe layer that
// preserves per-account arrival order and back-pressures on slow subscribers, using a
// buffered-channel-per-stream layout.
//
// Every account gets its own buffered FIFO channel; a single consumer goroutine per
// account (spawned by internal/engine) drains it in order. Publish blocks once an
// account's buffer is full, stalling the producer until the account's worker catches up.
package bus

import (
	"sync"

	"github.com/topstepx/riskguard/internal/riskmodel"
)

const defaultBufferSize = 1000

// Bus routes RiskEvents to one FIFO channel per account.
type Bus struct {
	mu         sync.Mutex
	bufferSize int
	channels   map[riskmodel.AccountId]chan riskmodel.RiskEvent
}

// New constructs a Bus. A non-positive bufferSize falls back to defaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{bufferSize: bufferSize, channels: make(map[riskmodel.AccountId]chan riskmodel.RiskEvent)}
}

// channel returns (creating if absent) the FIFO channel for accountID.
func (b *Bus) channel(accountID riskmodel.AccountId) chan riskmodel.RiskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[accountID]
	if !ok {
		ch = make(chan riskmodel.RiskEvent, b.bufferSize)
		b.channels[accountID] = ch
	}
	return ch
}

// Publish enqueues e onto its account's FIFO, blocking if that account's subscriber is
// behind (back-pressure). Cross-account publishes never block on each other.
func (b *Bus) Publish(e riskmodel.RiskEvent) {
	b.channel(e.AccountID) <- e
}

// Subscribe returns the receive-only FIFO for accountID, creating it if this is the
// first reference. Exactly one consumer goroutine should read from the returned channel
// to preserve the per-account ordering guarantee (spec.md §5).
func (b *Bus) Subscribe(accountID riskmodel.AccountId) <-chan riskmodel.RiskEvent {
	return b.channel(accountID)
}

// Accounts returns the set of account ids that have a channel (i.e. have published or
// subscribed at least once).
func (b *Bus) Accounts() []riskmodel.AccountId {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]riskmodel.AccountId, 0, len(b.channels))
	for acc := range b.channels {
		out = append(out, acc)
	}
	return out
}
