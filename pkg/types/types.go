package types

import (
	"time"
)

// Thread is a scheduled work unit stored on-chain. The off-chain core only
// ever holds immutable snapshots of it; mutations happen through submitted
// transactions.
type Thread struct {
	Pubkey       Pubkey         `json:"pubkey"`
	Authority    Pubkey         `json:"authority"`
	ID           []byte         `json:"id"`
	Trigger      Trigger        `json:"trigger"`
	Context      TriggerContext `json:"context"`
	ExecIndex    uint8          `json:"exec_index"`
	Paused       bool           `json:"paused"`
	CreatedAt    int64          `json:"created_at"`
	Version      uint8          `json:"version"`
	ExecCount    uint64         `json:"exec_count"`
	NonceAccount *Pubkey        `json:"nonce_account,omitempty"`
	Fibers       []Fiber        `json:"fibers"`
}

// FiberCount returns the number of attached fibers.
func (t *Thread) FiberCount() int {
	return len(t.Fibers)
}

// CurrentFiber returns the fiber selected by exec_index. exec_index cycles
// modulo the attached fiber count, so an index past the end wraps.
func (t *Thread) CurrentFiber() (*Fiber, bool) {
	if len(t.Fibers) == 0 {
		return nil, false
	}
	return &t.Fibers[int(t.ExecIndex)%len(t.Fibers)], true
}

// NextExecIndex returns the exec_index after the current fiber fires,
// wrapping to 0 past the last attached fiber.
func (t *Thread) NextExecIndex() uint8 {
	if len(t.Fibers) == 0 {
		return 0
	}
	return uint8((int(t.ExecIndex) + 1) % len(t.Fibers))
}

// Fiber is one instruction in a thread's sequence, addressed on-chain by
// (thread, index).
type Fiber struct {
	Index       uint8            `json:"index"`
	Instruction FiberInstruction `json:"instruction"`
	ExecCount   uint64           `json:"exec_count"`
}

// FiberInstruction is the serialized instruction a fiber carries.
type FiberInstruction struct {
	ProgramID Pubkey        `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// AccountMeta describes one account an instruction touches.
type AccountMeta struct {
	Pubkey   Pubkey `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// TriggerKind tags the Trigger union.
type TriggerKind string

const (
	TriggerNow       TriggerKind = "now"
	TriggerTimestamp TriggerKind = "timestamp"
	TriggerInterval  TriggerKind = "interval"
	TriggerCron      TriggerKind = "cron"
	TriggerAccount   TriggerKind = "account"
	TriggerSlot      TriggerKind = "slot"
	TriggerEpoch     TriggerKind = "epoch"
)

// Trigger is the predicate gating a thread's next execution. Only the
// fields for the tagged kind are meaningful.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// Timestamp
	UnixTimestamp int64 `json:"unix_timestamp,omitempty"`

	// Interval
	IntervalSeconds int64 `json:"interval_seconds,omitempty"`

	// Cron
	Schedule string `json:"schedule,omitempty"`

	// Interval and Cron: when true, missed fires collapse to one.
	Skippable bool `json:"skippable,omitempty"`

	// Account
	Address Pubkey `json:"address,omitempty"`
	Offset  uint64 `json:"offset,omitempty"`
	Size    uint64 `json:"size,omitempty"`

	// Slot / Epoch
	Slot  uint64 `json:"slot,omitempty"`
	Epoch uint64 `json:"epoch,omitempty"`
}

// TriggerContext is the evolving state paired with a trigger: the
// bookkeeping needed to decide readiness and to advance after a fire.
type TriggerContext struct {
	PrevTimestamp int64  `json:"prev_timestamp,omitempty"`
	NextTimestamp int64  `json:"next_timestamp,omitempty"`
	PrevSlot      uint64 `json:"prev_slot,omitempty"`
	NextSlot      uint64 `json:"next_slot,omitempty"`
	PrevEpoch     uint64 `json:"prev_epoch,omitempty"`
	NextEpoch     uint64 `json:"next_epoch,omitempty"`
	DataHash      Hash   `json:"data_hash,omitempty"`
}

// ClockState is the last observed clock sysvar contents.
type ClockState struct {
	Slot          uint64 `json:"slot"`
	Epoch         uint64 `json:"epoch"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

// SlotStatus is the commitment level of a slot-status transition.
type SlotStatus string

const (
	SlotProcessed SlotStatus = "processed"
	SlotConfirmed SlotStatus = "confirmed"
	SlotRooted    SlotStatus = "rooted"
	SlotDead      SlotStatus = "dead"
)

// EventKind tags the ObservedEvent union.
type EventKind string

const (
	EventThreadUpdate  EventKind = "thread_update"
	EventAccountUpdate EventKind = "account_update"
	EventClockUpdate   EventKind = "clock_update"
	EventSlotStatus    EventKind = "slot_status"
)

// ObservedEvent is one element of the serialized stream an event source
// produces. Only the fields for the tagged kind are meaningful.
type ObservedEvent struct {
	Kind EventKind `json:"kind"`

	// ThreadUpdate and AccountUpdate
	Pubkey       Pubkey  `json:"pubkey,omitempty"`
	Slot         uint64  `json:"slot,omitempty"`
	WriteVersion uint64  `json:"write_version,omitempty"`
	Thread       *Thread `json:"thread,omitempty"`
	DataHash     Hash    `json:"data_hash,omitempty"`
	Data         []byte  `json:"data,omitempty"`

	// ClockUpdate
	Clock *ClockState `json:"clock,omitempty"`

	// SlotStatus
	Status SlotStatus `json:"status,omitempty"`
}

// ThreadReady signals the observer decided a thread's trigger is satisfied
// at a specific exec_count. At most one is emitted per (thread, exec_count).
type ThreadReady struct {
	ThreadPubkey Pubkey  `json:"thread_pubkey"`
	Thread       *Thread `json:"thread"`
	ExecCount    uint64  `json:"exec_count"`
	TriggerTime  int64   `json:"trigger_time"`
}

// ExecutionTask is the queue's unit of work: one intended execution of one
// thread at one exec_count.
type ExecutionTask struct {
	ID           TaskID    `json:"id"`
	ThreadPubkey Pubkey    `json:"thread_pubkey"`
	Thread       *Thread   `json:"thread"`
	ExecCount    uint64    `json:"exec_count"`
	TriggerTime  int64     `json:"trigger_time"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	RetryCount   int       `json:"retry_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewExecutionTask builds a task from a readiness signal.
func NewExecutionTask(ready ThreadReady, now time.Time) *ExecutionTask {
	return &ExecutionTask{
		ID:           TaskIDFor(ready.ThreadPubkey, ready.ExecCount),
		ThreadPubkey: ready.ThreadPubkey,
		Thread:       ready.Thread,
		ExecCount:    ready.ExecCount,
		TriggerTime:  ready.TriggerTime,
		ScheduledAt:  now,
		CreatedAt:    now,
	}
}

// DurableTransactionMessage is the replay envelope published on the message
// bus for durable-nonce transactions.
type DurableTransactionMessage struct {
	ID                string    `json:"id"`
	TransactionBase64 string    `json:"transaction_base64"`
	ThreadPubkey      Pubkey    `json:"thread_pubkey"`
	Signature         string    `json:"signature"`
	Executor          Pubkey    `json:"executor"`
	Timestamp         time.Time `json:"timestamp"`
	ReplayCount       int       `json:"replay_count"`
}
