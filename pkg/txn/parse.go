package txn

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/wuwei-labs/antegen/pkg/types"
)

// ErrTruncatedTransaction reports wire bytes shorter than their own length
// prefixes claim.
var ErrTruncatedTransaction = errors.New("truncated transaction bytes")

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, ErrTruncatedTransaction
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *byteReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) compactU16() (uint16, error) {
	var v uint16
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint16(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift > 14 {
			return 0, fmt.Errorf("compact-u16 overflow")
		}
	}
}

// ParseTransaction decodes legacy wire bytes back into a Transaction. The
// replay consumer uses it to swap in a refreshed nonce value and re-sign.
func ParseTransaction(raw []byte) (*Transaction, error) {
	r := &byteReader{data: raw}

	sigCount, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	tx := &Transaction{}
	for i := uint16(0); i < sigCount; i++ {
		b, err := r.take(64)
		if err != nil {
			return nil, err
		}
		var sig types.Signature
		copy(sig[:], b)
		tx.Signatures = append(tx.Signatures, sig)
	}

	header, err := r.take(3)
	if err != nil {
		return nil, err
	}
	numSigners := int(header[0])
	numReadonlySigned := int(header[1])
	numReadonlyUnsigned := int(header[2])

	keyCount, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	keys := make([]types.Pubkey, keyCount)
	for i := range keys {
		b, err := r.take(32)
		if err != nil {
			return nil, err
		}
		copy(keys[i][:], b)
	}
	if numSigners == 0 || numSigners > len(keys) {
		return nil, fmt.Errorf("invalid signer count %d for %d keys", numSigners, len(keys))
	}
	tx.Message.FeePayer = keys[0]

	isSigner := func(i int) bool { return i < numSigners }
	isWritable := func(i int) bool {
		if i < numSigners {
			return i < numSigners-numReadonlySigned
		}
		return i < len(keys)-numReadonlyUnsigned
	}

	bh, err := r.take(32)
	if err != nil {
		return nil, err
	}
	copy(tx.Message.RecentBlockhash[:], bh)

	ixCount, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < ixCount; i++ {
		progIdx, err := r.byte()
		if err != nil {
			return nil, err
		}
		if int(progIdx) >= len(keys) {
			return nil, fmt.Errorf("program index %d out of range", progIdx)
		}
		ix := Instruction{ProgramID: keys[progIdx]}

		accCount, err := r.compactU16()
		if err != nil {
			return nil, err
		}
		for j := uint16(0); j < accCount; j++ {
			idx, err := r.byte()
			if err != nil {
				return nil, err
			}
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("account index %d out of range", idx)
			}
			ix.Accounts = append(ix.Accounts, types.AccountMeta{
				Pubkey:   keys[idx],
				Signer:   isSigner(int(idx)),
				Writable: isWritable(int(idx)),
			})
		}

		dataLen, err := r.compactU16()
		if err != nil {
			return nil, err
		}
		data, err := r.take(int(dataLen))
		if err != nil {
			return nil, err
		}
		ix.Data = append([]byte(nil), data...)
		tx.Message.Instructions = append(tx.Message.Instructions, ix)
	}

	return tx, nil
}

// ParseTransactionBase64 decodes a base64 replay payload.
func ParseTransactionBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction base64: %w", err)
	}
	return ParseTransaction(raw)
}

// NonceAccountOf returns the nonce account a parsed exec transaction
// advances, if its first instruction is a system nonce advance.
func (t *Transaction) NonceAccountOf() (types.Pubkey, bool) {
	if len(t.Message.Instructions) == 0 {
		return types.Pubkey{}, false
	}
	ix := t.Message.Instructions[0]
	if ix.ProgramID != types.SystemProgramID || len(ix.Accounts) == 0 || len(ix.Data) < 4 {
		return types.Pubkey{}, false
	}
	return ix.Accounts[0].Pubkey, true
}
