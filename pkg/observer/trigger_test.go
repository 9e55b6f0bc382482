package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/types"
)

func clockAt(unix int64) types.ClockState {
	return types.ClockState{Slot: 100, Epoch: 2, UnixTimestamp: unix}
}

func TestTriggerReadyNow(t *testing.T) {
	th := &types.Thread{Trigger: types.Trigger{Kind: types.TriggerNow}}
	readyAt, ready := TriggerReady(th, clockAt(1000), types.Hash{})
	assert.True(t, ready)
	assert.Equal(t, int64(1000), readyAt)
}

func TestTriggerReadyTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		clock int64
		prev  int64
		ready bool
	}{
		{name: "before target", clock: 999, ready: false},
		{name: "at target", clock: 1000, ready: true},
		{name: "after target", clock: 5000, ready: true},
		{name: "already fired for this target", clock: 5000, prev: 1000, ready: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := &types.Thread{
				Trigger: types.Trigger{Kind: types.TriggerTimestamp, UnixTimestamp: 1000},
				Context: types.TriggerContext{PrevTimestamp: tt.prev},
			}
			_, ready := TriggerReady(th, clockAt(tt.clock), types.Hash{})
			assert.Equal(t, tt.ready, ready)
		})
	}
}

func TestTriggerReadyInterval(t *testing.T) {
	th := &types.Thread{
		Trigger: types.Trigger{Kind: types.TriggerInterval, IntervalSeconds: 60},
		Context: types.TriggerContext{NextTimestamp: 1000},
	}

	_, ready := TriggerReady(th, clockAt(999), types.Hash{})
	assert.False(t, ready)

	readyAt, ready := TriggerReady(th, clockAt(1000), types.Hash{})
	require.True(t, ready)
	assert.Equal(t, int64(1000), readyAt, "trigger time is the scheduled fire time, not the clock")
}

func TestIntervalSkippableCollapsesOutage(t *testing.T) {
	// 10 intervals behind: skippable fires once from the current clock,
	// non-skippable steps one interval at a time to replay the backlog.
	th := &types.Thread{
		Trigger: types.Trigger{Kind: types.TriggerInterval, IntervalSeconds: 60, Skippable: true},
		Context: types.TriggerContext{NextTimestamp: 1000},
	}

	next := NextInterval(th, 1600)
	assert.Equal(t, int64(1660), next, "skippable jumps past the outage")

	th.Trigger.Skippable = false
	next = NextInterval(th, 1600)
	assert.Equal(t, int64(1060), next, "non-skippable catches up in order")

	// Stepping contexts forward one fire at a time reaches the clock
	// after exactly the missed count.
	fires := 0
	for {
		_, ready := TriggerReady(th, clockAt(1600), types.Hash{})
		if !ready {
			break
		}
		fires++
		th.Context.NextTimestamp = NextInterval(th, 1600)
	}
	assert.Equal(t, 11, fires, "1000..1600 inclusive in 60s steps")
}

func TestTriggerReadyCron(t *testing.T) {
	th := &types.Thread{
		Trigger: types.Trigger{Kind: types.TriggerCron, Schedule: "*/5 * * * *"},
		Context: types.TriggerContext{NextTimestamp: 1200},
	}

	_, ready := TriggerReady(th, clockAt(1199), types.Hash{})
	assert.False(t, ready)

	readyAt, ready := TriggerReady(th, clockAt(1200), types.Hash{})
	require.True(t, ready)
	assert.Equal(t, int64(1200), readyAt)
}

func TestTriggerReadyCronInvalidSchedule(t *testing.T) {
	th := &types.Thread{
		Trigger: types.Trigger{Kind: types.TriggerCron, Schedule: "not a schedule"},
	}
	_, ready := TriggerReady(th, clockAt(1200), types.Hash{})
	assert.False(t, ready, "an unparsable schedule never fires")
}

func TestNextCronTime(t *testing.T) {
	// Every 5 minutes from the epoch: 300, 600, ...
	next, err := NextCronTime("*/5 * * * *", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(300), next)

	_, err = NextCronTime("bogus", 0)
	assert.Error(t, err)
}

func TestTriggerReadyAccount(t *testing.T) {
	prev := types.HashBytes([]byte("old"))
	th := &types.Thread{
		Trigger: types.Trigger{Kind: types.TriggerAccount, Address: types.Pubkey{9}, Offset: 8, Size: 8},
		Context: types.TriggerContext{DataHash: prev},
	}

	_, ready := TriggerReady(th, clockAt(1000), types.Hash{})
	assert.False(t, ready, "unknown account state is not a change")

	_, ready = TriggerReady(th, clockAt(1000), prev)
	assert.False(t, ready, "unchanged hash is not ready")

	_, ready = TriggerReady(th, clockAt(1000), types.HashBytes([]byte("new")))
	assert.True(t, ready)
}

func TestTriggerReadySlotAndEpoch(t *testing.T) {
	slotThread := &types.Thread{Trigger: types.Trigger{Kind: types.TriggerSlot, Slot: 100}}
	_, ready := TriggerReady(slotThread, types.ClockState{Slot: 99}, types.Hash{})
	assert.False(t, ready)
	_, ready = TriggerReady(slotThread, types.ClockState{Slot: 100}, types.Hash{})
	assert.True(t, ready)

	slotThread.Context.PrevSlot = 100
	_, ready = TriggerReady(slotThread, types.ClockState{Slot: 200}, types.Hash{})
	assert.False(t, ready, "slot trigger fires once")

	epochThread := &types.Thread{Trigger: types.Trigger{Kind: types.TriggerEpoch, Epoch: 3}}
	_, ready = TriggerReady(epochThread, types.ClockState{Epoch: 2}, types.Hash{})
	assert.False(t, ready)
	_, ready = TriggerReady(epochThread, types.ClockState{Epoch: 3}, types.Hash{})
	assert.True(t, ready)
}

func TestPausedThreadNeverReady(t *testing.T) {
	th := &types.Thread{
		Paused:  true,
		Trigger: types.Trigger{Kind: types.TriggerNow},
	}
	_, ready := TriggerReady(th, clockAt(1000), types.Hash{})
	assert.False(t, ready)
}
