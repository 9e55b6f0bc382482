package source

import (
	"context"
	"errors"

	"github.com/wuwei-labs/antegen/pkg/types"
)

// ErrSourceUnavailable reports a disconnected or failed event source.
// Start after a failure reinitializes state.
var ErrSourceUnavailable = errors.New("event source unavailable")

// EventSource produces a totally-ordered stream of ObservedEvents for a
// single subscriber. Implementations must never block their upstream
// producer: when the internal buffer is full the push variant drops (with
// a counter bump) rather than stall the validator.
type EventSource interface {
	// Start begins producing events. Calling Start after a failure
	// reinitializes the source.
	Start(ctx context.Context) error

	// Stop halts production and releases resources.
	Stop() error

	// Events is the event stream. Per-account ordering follows the
	// chain's observed write order; cross-account order is unspecified.
	Events() <-chan types.ObservedEvent

	// NextEvent returns the next pending event without blocking; ok is
	// false when none is pending.
	NextEvent() (types.ObservedEvent, bool)

	// SubscribeThread requests account updates for an address monitored
	// by an Account trigger, until UnsubscribeThread completes.
	SubscribeThread(pubkey types.Pubkey) error

	// UnsubscribeThread ends delivery for an address.
	UnsubscribeThread(pubkey types.Pubkey) error

	// CurrentSlot is the latest slot the source has observed.
	CurrentSlot() uint64

	// Name identifies the source variant in logs.
	Name() string
}
