package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskIDDeterministic(t *testing.T) {
	thread := Pubkey{1, 2, 3}

	id1 := TaskIDFor(thread, 5)
	id2 := TaskIDFor(thread, 5)
	assert.Equal(t, id1, id2, "same (thread, exec_count) must yield the same id")

	assert.NotEqual(t, id1, TaskIDFor(thread, 6))
	assert.NotEqual(t, id1, TaskIDFor(Pubkey{9}, 5))
}

func TestParsePubkey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "system program", input: "11111111111111111111111111111111"},
		{name: "clock sysvar", input: "SysvarC1ock11111111111111111111111111111111"},
		{name: "not base58", input: "0OIl", wantErr: true},
		{name: "wrong length", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pk, err := ParsePubkey(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.input, pk.String())
		})
	}
}

func TestWindowHash(t *testing.T) {
	data := []byte("0123456789")

	assert.Equal(t, HashBytes([]byte("2345")), WindowHash(data, 2, 4))
	assert.Equal(t, HashBytes(data), WindowHash(data, 0, 0), "zero size monitors the whole account")

	// A window past the data length monitors from offset to end.
	assert.Equal(t, HashBytes([]byte("89")), WindowHash(data, 8, 100))

	// An offset past the end monitors the empty range; never panics.
	assert.Equal(t, HashBytes(nil), WindowHash(data, 50, 8))
	assert.Equal(t, HashBytes(nil), WindowHash(nil, 4, 4))
}

func TestExecIndexWrap(t *testing.T) {
	th := &Thread{
		Fibers: []Fiber{{Index: 0}, {Index: 1}, {Index: 2}},
	}

	th.ExecIndex = 2
	fiber, ok := th.CurrentFiber()
	require.True(t, ok)
	assert.Equal(t, uint8(2), fiber.Index)
	assert.Equal(t, uint8(0), th.NextExecIndex(), "last fiber wraps to 0")

	th.ExecIndex = 0
	assert.Equal(t, uint8(1), th.NextExecIndex())

	// An index past the attached count still selects a fiber.
	th.ExecIndex = 7
	fiber, ok = th.CurrentFiber()
	require.True(t, ok)
	assert.Equal(t, uint8(1), fiber.Index)
}

func TestCurrentFiberEmpty(t *testing.T) {
	th := &Thread{}
	_, ok := th.CurrentFiber()
	assert.False(t, ok)
	assert.Equal(t, uint8(0), th.NextExecIndex())
}

func TestThreadAccountRoundTrip(t *testing.T) {
	nonce := Pubkey{7, 7}
	th := &Thread{
		Pubkey:    Pubkey{1},
		Authority: Pubkey{2},
		ID:        []byte("payroll"),
		Version:   ThreadAccountVersion,
		Trigger: Trigger{
			Kind:            TriggerInterval,
			IntervalSeconds: 60,
			Skippable:       true,
		},
		Context:      TriggerContext{PrevTimestamp: 940, NextTimestamp: 1000},
		ExecIndex:    1,
		CreatedAt:    900,
		ExecCount:    12,
		NonceAccount: &nonce,
		Fibers: []Fiber{
			{
				Index:     0,
				ExecCount: 6,
				Instruction: FiberInstruction{
					ProgramID: Pubkey{3},
					Accounts: []AccountMeta{
						{Pubkey: Pubkey{4}, Signer: false, Writable: true},
						{Pubkey: Pubkey{5}, Signer: true, Writable: false},
					},
					Data: []byte{9, 9, 9},
				},
			},
			{Index: 1, ExecCount: 6, Instruction: FiberInstruction{ProgramID: Pubkey{6}}},
		},
	}

	data := EncodeThreadAccount(th)
	decoded, err := DecodeThreadAccount(th.Pubkey, data)
	require.NoError(t, err)
	assert.Equal(t, th, decoded)
}

func TestThreadAccountCronTrigger(t *testing.T) {
	th := &Thread{
		Pubkey:    Pubkey{1},
		Authority: Pubkey{2},
		ID:        []byte{0x01},
		Version:   ThreadAccountVersion,
		Trigger:   Trigger{Kind: TriggerCron, Schedule: "*/5 * * * *", Skippable: false},
		Context:   TriggerContext{NextTimestamp: 1200},
		Fibers:    []Fiber{{Instruction: FiberInstruction{ProgramID: Pubkey{3}}}},
	}

	decoded, err := DecodeThreadAccount(th.Pubkey, EncodeThreadAccount(th))
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", decoded.Trigger.Schedule)
	assert.Equal(t, int64(1200), decoded.Context.NextTimestamp)
}

func TestDecodeMalformedAccount(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "unsupported version", data: []byte{99}},
		{name: "truncated header", data: []byte{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeThreadAccount(Pubkey{}, tt.data)
			assert.ErrorIs(t, err, ErrMalformedAccount)
		})
	}
}
