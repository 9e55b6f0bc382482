package source

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/metrics"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/types"
)

// defaultBridgeBuffer bounds the in-memory channel between the validator's
// account-update path and the observer.
const defaultBridgeBuffer = 4096

// Bridge is the validator-embedded event source. The host validator calls
// the On* methods from its account-update and slot-status paths; they are
// non-blocking, filtering and enqueueing onto a bounded channel. When the
// channel is full the event is dropped and counted, which is preferred
// over stalling the validator.
type Bridge struct {
	programID types.Pubkey
	events    chan types.ObservedEvent
	logger    zerolog.Logger

	mu      sync.RWMutex
	watched map[types.Pubkey]bool
	started bool
	slot    atomic.Uint64
	dropped atomic.Uint64
}

// NewBridge creates a bridge filtering for the given thread program.
func NewBridge(programID types.Pubkey, buffer int) *Bridge {
	if buffer <= 0 {
		buffer = defaultBridgeBuffer
	}
	return &Bridge{
		programID: programID,
		events:    make(chan types.ObservedEvent, buffer),
		watched:   make(map[types.Pubkey]bool),
		logger:    log.For("plugin-bridge"),
	}
}

// Start marks the bridge live. Events arriving before Start are dropped.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

// Stop halts delivery.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	return nil
}

// Events implements EventSource.
func (b *Bridge) Events() <-chan types.ObservedEvent {
	return b.events
}

// NextEvent implements EventSource.
func (b *Bridge) NextEvent() (types.ObservedEvent, bool) {
	select {
	case ev := <-b.events:
		return ev, true
	default:
		return types.ObservedEvent{}, false
	}
}

// SubscribeThread implements EventSource.
func (b *Bridge) SubscribeThread(pubkey types.Pubkey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched[pubkey] = true
	return nil
}

// UnsubscribeThread implements EventSource.
func (b *Bridge) UnsubscribeThread(pubkey types.Pubkey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watched, pubkey)
	return nil
}

// CurrentSlot implements EventSource.
func (b *Bridge) CurrentSlot() uint64 {
	return b.slot.Load()
}

// Name implements EventSource.
func (b *Bridge) Name() string {
	return "plugin"
}

// Dropped returns how many events were discarded on a full channel.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// OnAccountUpdate is the host validator's account-update callback. It runs
// on the validator's hot path and must not block.
func (b *Bridge) OnAccountUpdate(pubkey, owner types.Pubkey, data []byte, slot, writeVersion uint64) {
	b.mu.RLock()
	started := b.started
	watched := b.watched[pubkey]
	b.mu.RUnlock()
	if !started {
		return
	}

	switch {
	case pubkey == types.ClockSysvarID:
		clock, err := rpc.DecodeClock(data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Skipping malformed clock sysvar update")
			return
		}
		b.slot.Store(clock.Slot)
		b.enqueue(types.ObservedEvent{
			Kind:  types.EventClockUpdate,
			Slot:  slot,
			Clock: clock,
		})

	case owner == b.programID:
		thread, err := types.DecodeThreadAccount(pubkey, data)
		if err != nil {
			b.logger.Warn().Err(err).Str("pubkey", pubkey.String()).Msg("Skipping malformed thread account")
			return
		}
		if thread.Paused {
			// Paused threads never become ready; dropping here bounds
			// the channel to actionable updates.
			return
		}
		b.enqueue(types.ObservedEvent{
			Kind:         types.EventThreadUpdate,
			Pubkey:       pubkey,
			Thread:       thread,
			Slot:         slot,
			WriteVersion: writeVersion,
		})

	case watched:
		// The validator reuses its buffers after the callback returns.
		owned := append([]byte(nil), data...)
		b.enqueue(types.ObservedEvent{
			Kind:         types.EventAccountUpdate,
			Pubkey:       pubkey,
			DataHash:     types.HashBytes(owned),
			Data:         owned,
			Slot:         slot,
			WriteVersion: writeVersion,
		})
	}
}

// OnSlotStatus is the host validator's slot-status callback.
func (b *Bridge) OnSlotStatus(slot uint64, status types.SlotStatus) {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return
	}
	if slot > b.slot.Load() {
		b.slot.Store(slot)
	}
	b.enqueue(types.ObservedEvent{
		Kind:   types.EventSlotStatus,
		Slot:   slot,
		Status: status,
	})
}

func (b *Bridge) enqueue(ev types.ObservedEvent) {
	select {
	case b.events <- ev:
		metrics.EventsObserved.WithLabelValues(string(ev.Kind)).Inc()
	default:
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
	}
}
