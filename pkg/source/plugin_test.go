package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/types"
)

func init() {
	log.Setup("error", false, nil)
}

var testProgram = types.Pubkey{0xAB}

func startedBridge(t *testing.T, buffer int) *Bridge {
	t.Helper()
	b := NewBridge(testProgram, buffer)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func encodedThread(paused bool) []byte {
	return types.EncodeThreadAccount(&types.Thread{
		Version:   types.ThreadAccountVersion,
		Authority: types.Pubkey{1},
		ID:        []byte{1},
		Trigger:   types.Trigger{Kind: types.TriggerNow},
		Paused:    paused,
		Fibers:    []types.Fiber{{Instruction: types.FiberInstruction{ProgramID: types.Pubkey{2}}}},
	})
}

func TestBridgeFiltersThreadAccounts(t *testing.T) {
	b := startedBridge(t, 16)

	// Thread-program account passes the filter and arrives decoded.
	b.OnAccountUpdate(types.Pubkey{0x01}, testProgram, encodedThread(false), 100, 1)
	ev, ok := b.NextEvent()
	require.True(t, ok)
	assert.Equal(t, types.EventThreadUpdate, ev.Kind)
	assert.Equal(t, types.Pubkey{0x01}, ev.Pubkey)
	require.NotNil(t, ev.Thread)
	assert.Equal(t, uint64(100), ev.Slot)

	// Paused threads are dropped before enqueueing.
	b.OnAccountUpdate(types.Pubkey{0x02}, testProgram, encodedThread(true), 101, 2)
	_, ok = b.NextEvent()
	assert.False(t, ok)

	// Accounts owned by other programs are dropped unless watched.
	b.OnAccountUpdate(types.Pubkey{0x03}, types.Pubkey{0xFF}, []byte{1, 2, 3}, 102, 3)
	_, ok = b.NextEvent()
	assert.False(t, ok)
}

func TestBridgeWatchedAccountHashes(t *testing.T) {
	b := startedBridge(t, 16)
	watched := types.Pubkey{0x05}
	require.NoError(t, b.SubscribeThread(watched))

	data := []byte("account-bytes")
	b.OnAccountUpdate(watched, types.Pubkey{0xFF}, data, 50, 1)

	ev, ok := b.NextEvent()
	require.True(t, ok)
	assert.Equal(t, types.EventAccountUpdate, ev.Kind)
	assert.Equal(t, types.HashBytes(data), ev.DataHash)

	require.NoError(t, b.UnsubscribeThread(watched))
	b.OnAccountUpdate(watched, types.Pubkey{0xFF}, data, 51, 2)
	_, ok = b.NextEvent()
	assert.False(t, ok, "updates stop after unsubscribe")
}

func TestBridgeClockUpdates(t *testing.T) {
	b := startedBridge(t, 16)

	// 40-byte clock sysvar: slot=9, epoch=1, unix_ts=12345.
	clock := make([]byte, 40)
	clock[0] = 9
	clock[16] = 1
	clock[32] = 0x39
	clock[33] = 0x30

	b.OnAccountUpdate(types.ClockSysvarID, types.SystemProgramID, clock, 9, 1)
	ev, ok := b.NextEvent()
	require.True(t, ok)
	assert.Equal(t, types.EventClockUpdate, ev.Kind)
	require.NotNil(t, ev.Clock)
	assert.Equal(t, uint64(9), ev.Clock.Slot)
	assert.Equal(t, int64(12345), ev.Clock.UnixTimestamp)
	assert.Equal(t, uint64(9), b.CurrentSlot())
}

func TestBridgeDropsWhenFull(t *testing.T) {
	b := startedBridge(t, 2)

	for i := 0; i < 5; i++ {
		b.OnSlotStatus(uint64(i+1), types.SlotConfirmed)
	}

	// The callback never blocks: overflow is counted, not queued.
	assert.Equal(t, uint64(3), b.Dropped())

	drained := 0
	for {
		if _, ok := b.NextEvent(); !ok {
			break
		}
		drained++
	}
	assert.Equal(t, 2, drained)
}

func TestBridgeIgnoresEventsBeforeStart(t *testing.T) {
	b := NewBridge(testProgram, 16)
	b.OnSlotStatus(1, types.SlotConfirmed)
	_, ok := b.NextEvent()
	assert.False(t, ok)
}

func TestBridgeSlotStatus(t *testing.T) {
	b := startedBridge(t, 16)
	b.OnSlotStatus(77, types.SlotRooted)

	ev, ok := b.NextEvent()
	require.True(t, ok)
	assert.Equal(t, types.EventSlotStatus, ev.Kind)
	assert.Equal(t, uint64(77), ev.Slot)
	assert.Equal(t, types.SlotRooted, ev.Status)
	assert.Equal(t, uint64(77), b.CurrentSlot())
}
