package observer

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wuwei-labs/antegen/pkg/types"
)

// cronParser accepts standard 5-field expressions plus descriptors
// (@hourly etc), matching what the on-chain program stores.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextCronTime returns the first cron fire time strictly after the given
// unix timestamp.
func NextCronTime(schedule string, after int64) (int64, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return sched.Next(time.Unix(after, 0).UTC()).Unix(), nil
}

// intervalNext resolves the interval trigger's next-fire time, falling
// back to one interval past creation for a context the program has not
// initialized yet.
func intervalNext(th *types.Thread) int64 {
	if th.Context.NextTimestamp != 0 {
		return th.Context.NextTimestamp
	}
	return th.CreatedAt + th.Trigger.IntervalSeconds
}

// cronNext resolves the cron trigger's next-fire time.
func cronNext(th *types.Thread) (int64, error) {
	if th.Context.NextTimestamp != 0 {
		return th.Context.NextTimestamp, nil
	}
	after := th.Context.PrevTimestamp
	if after == 0 {
		after = th.CreatedAt
	}
	return NextCronTime(th.Trigger.Schedule, after)
}

// TriggerReady evaluates the readiness predicate for a thread against the
// given clock and the latest observed hash of the monitored account (zero
// when unknown). It returns the trigger time used for scheduling.
//
// A paused thread never appears ready.
func TriggerReady(th *types.Thread, clock types.ClockState, accountHash types.Hash) (int64, bool) {
	if th.Paused {
		return 0, false
	}

	switch th.Trigger.Kind {
	case types.TriggerNow:
		return clock.UnixTimestamp, true

	case types.TriggerTimestamp:
		t := th.Trigger.UnixTimestamp
		if clock.UnixTimestamp >= t && th.Context.PrevTimestamp < t {
			return t, true
		}

	case types.TriggerInterval:
		next := intervalNext(th)
		if clock.UnixTimestamp >= next {
			return next, true
		}

	case types.TriggerCron:
		next, err := cronNext(th)
		if err != nil {
			return 0, false
		}
		if clock.UnixTimestamp >= next {
			return next, true
		}

	case types.TriggerAccount:
		if !accountHash.IsZero() && accountHash != th.Context.DataHash {
			return clock.UnixTimestamp, true
		}

	case types.TriggerSlot:
		if clock.Slot >= th.Trigger.Slot && th.Context.PrevSlot < th.Trigger.Slot {
			return clock.UnixTimestamp, true
		}

	case types.TriggerEpoch:
		if clock.Epoch >= th.Trigger.Epoch && th.Context.PrevEpoch < th.Trigger.Epoch {
			return clock.UnixTimestamp, true
		}
	}
	return 0, false
}

// NextInterval computes the post-fire next timestamp for an interval
// trigger. Skippable collapses an outage to a single catch-up fire; a
// non-skippable trigger steps one interval at a time so missed fires
// replay in order.
func NextInterval(th *types.Thread, firedAt int64) int64 {
	if th.Trigger.Skippable {
		return firedAt + th.Trigger.IntervalSeconds
	}
	return intervalNext(th) + th.Trigger.IntervalSeconds
}
