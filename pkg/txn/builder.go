package txn

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wuwei-labs/antegen/pkg/types"
)

// system program instruction index for AdvanceNonceAccount.
const sysAdvanceNonceAccount uint32 = 4

// thread program instruction tag for the exec marker.
const threadExecTag uint8 = 3

// ErrNoFiber reports a thread snapshot with no attached fibers.
var ErrNoFiber = errors.New("thread has no attached fibers")

// AdvanceNonceInstruction builds the system instruction that consumes the
// thread's durable nonce. The executor identity is the nonce authority.
func AdvanceNonceInstruction(nonceAccount, authority types.Pubkey) Instruction {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], sysAdvanceNonceAccount)
	return Instruction{
		ProgramID: types.SystemProgramID,
		Accounts: []types.AccountMeta{
			{Pubkey: nonceAccount, Writable: true},
			{Pubkey: types.RecentBlockhashesSysvarID},
			{Pubkey: authority, Signer: true},
		},
		Data: data[:],
	}
}

// ExecMarkerInstruction builds the thread-program instruction that settles
// the execution on-chain: bumps exec_count, advances the trigger context,
// and distributes commission. The forgo bit relinquishes the executor's
// commission portion to the thread authority; the remaining splits are
// decided on-chain.
func ExecMarkerInstruction(programID, thread, executor types.Pubkey, execCount uint64, forgoCommission bool) Instruction {
	data := make([]byte, 0, 10)
	data = append(data, threadExecTag)
	data = append(data, boolByte(forgoCommission))
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], execCount)
	data = append(data, n[:]...)
	return Instruction{
		ProgramID: programID,
		Accounts: []types.AccountMeta{
			{Pubkey: thread, Writable: true},
			{Pubkey: executor, Signer: true, Writable: true},
		},
		Data: data,
	}
}

// BuildParams carries everything needed to materialize one execution
// transaction.
type BuildParams struct {
	ProgramID       types.Pubkey
	Thread          *types.Thread
	Executor        *Keypair
	ForgoCommission bool

	// NonceValue is the current durable nonce when the thread carries a
	// nonce account; RecentBlockhash is used otherwise.
	NonceValue      types.Hash
	RecentBlockhash types.Hash
}

// Durable reports whether the transaction will be signed against a durable
// nonce.
func (p *BuildParams) Durable() bool {
	return p.Thread.NonceAccount != nil
}

// BuildExecTransaction composes and signs the execution transaction. The
// instruction order is fixed by the on-chain program: nonce advance first
// (durable threads only), then the fiber's stored instruction, then the
// exec marker.
func BuildExecTransaction(p BuildParams) (*Transaction, error) {
	fiber, ok := p.Thread.CurrentFiber()
	if !ok {
		return nil, ErrNoFiber
	}

	var instructions []Instruction
	blockhash := p.RecentBlockhash
	if p.Durable() {
		instructions = append(instructions, AdvanceNonceInstruction(*p.Thread.NonceAccount, p.Executor.Pubkey))
		blockhash = p.NonceValue
	}
	if blockhash.IsZero() {
		return nil, fmt.Errorf("no blockhash available for thread %s", p.Thread.Pubkey)
	}

	instructions = append(instructions, Instruction{
		ProgramID: fiber.Instruction.ProgramID,
		Accounts:  fiber.Instruction.Accounts,
		Data:      fiber.Instruction.Data,
	})
	instructions = append(instructions, ExecMarkerInstruction(
		p.ProgramID, p.Thread.Pubkey, p.Executor.Pubkey, p.Thread.ExecCount, p.ForgoCommission,
	))

	tx := &Transaction{Message: Message{
		FeePayer:        p.Executor.Pubkey,
		Instructions:    instructions,
		RecentBlockhash: blockhash,
	}}
	if err := tx.Sign(p.Executor.Private); err != nil {
		return nil, err
	}
	return tx, nil
}

// Resign replaces the blockhash (a refreshed durable nonce value) and
// re-signs with the executor identity. Used by the replay consumer.
func (t *Transaction) Resign(executor *Keypair, blockhash types.Hash) error {
	t.Message.RecentBlockhash = blockhash
	return t.Sign(executor.Private)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
