package txn

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/wuwei-labs/antegen/pkg/types"
)

// Instruction is one program invocation inside a transaction.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []types.AccountMeta
	Data      []byte
}

// Message is an uncompiled transaction body: fee payer, instruction list,
// and the blockhash (or durable nonce value) it is signed against.
type Message struct {
	FeePayer        types.Pubkey
	Instructions    []Instruction
	RecentBlockhash types.Hash
}

// compiledKey tracks the dedup'd account list while compiling.
type compiledKey struct {
	pubkey   types.Pubkey
	signer   bool
	writable bool
}

// compile orders the account set the way the runtime requires: fee payer
// first, then writable signers, readonly signers, writable non-signers,
// readonly non-signers.
func (m *Message) compile() ([]compiledKey, error) {
	merged := []compiledKey{{pubkey: m.FeePayer, signer: true, writable: true}}
	index := map[types.Pubkey]int{m.FeePayer: 0}

	upsert := func(pk types.Pubkey, signer, writable bool) {
		if i, ok := index[pk]; ok {
			merged[i].signer = merged[i].signer || signer
			merged[i].writable = merged[i].writable || writable
			return
		}
		index[pk] = len(merged)
		merged = append(merged, compiledKey{pubkey: pk, signer: signer, writable: writable})
	}

	for _, ix := range m.Instructions {
		for _, meta := range ix.Accounts {
			upsert(meta.Pubkey, meta.Signer, meta.Writable)
		}
		upsert(ix.ProgramID, false, false)
	}

	var out []compiledKey
	appendClass := func(signer, writable bool) {
		for _, k := range merged {
			if k.signer == signer && k.writable == writable {
				out = append(out, k)
			}
		}
	}
	appendClass(true, true)
	appendClass(true, false)
	appendClass(false, true)
	appendClass(false, false)

	if len(out) > 255 {
		return nil, fmt.Errorf("too many accounts: %d", len(out))
	}
	return out, nil
}

// Serialize produces the signable message bytes in the legacy wire format.
func (m *Message) Serialize() ([]byte, error) {
	keys, err := m.compile()
	if err != nil {
		return nil, err
	}
	keyIndex := make(map[types.Pubkey]uint8, len(keys))
	var numSigners, numReadonlySigned, numReadonlyUnsigned uint8
	for i, k := range keys {
		keyIndex[k.pubkey] = uint8(i)
		if k.signer {
			numSigners++
			if !k.writable {
				numReadonlySigned++
			}
		} else if !k.writable {
			numReadonlyUnsigned++
		}
	}

	var buf bytes.Buffer
	buf.WriteByte(numSigners)
	buf.WriteByte(numReadonlySigned)
	buf.WriteByte(numReadonlyUnsigned)

	writeCompactU16(&buf, uint16(len(keys)))
	for _, k := range keys {
		buf.Write(k.pubkey[:])
	}
	buf.Write(m.RecentBlockhash[:])

	writeCompactU16(&buf, uint16(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf.WriteByte(keyIndex[ix.ProgramID])
		writeCompactU16(&buf, uint16(len(ix.Accounts)))
		for _, meta := range ix.Accounts {
			buf.WriteByte(keyIndex[meta.Pubkey])
		}
		writeCompactU16(&buf, uint16(len(ix.Data)))
		buf.Write(ix.Data)
	}
	return buf.Bytes(), nil
}

// NumRequiredSignatures returns how many signatures the compiled message
// expects.
func (m *Message) NumRequiredSignatures() (int, error) {
	keys, err := m.compile()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if k.signer {
			n++
		}
	}
	return n, nil
}

// Transaction is a message plus its signatures.
type Transaction struct {
	Message    Message
	Signatures []types.Signature
}

// ErrMissingSigner reports a required signer absent from the provided keys.
var ErrMissingSigner = errors.New("missing signer for transaction")

// Sign serializes the message and signs it with every provided key, in
// compiled signer order. All required signers must be covered.
func (t *Transaction) Sign(signers ...ed25519.PrivateKey) error {
	msg, err := t.Message.Serialize()
	if err != nil {
		return err
	}
	keys, err := t.Message.compile()
	if err != nil {
		return err
	}

	byPubkey := make(map[types.Pubkey]ed25519.PrivateKey, len(signers))
	for _, priv := range signers {
		var pk types.Pubkey
		copy(pk[:], priv.Public().(ed25519.PublicKey))
		byPubkey[pk] = priv
	}

	t.Signatures = t.Signatures[:0]
	for _, k := range keys {
		if !k.signer {
			continue
		}
		priv, ok := byPubkey[k.pubkey]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingSigner, k.pubkey)
		}
		var sig types.Signature
		copy(sig[:], ed25519.Sign(priv, msg))
		t.Signatures = append(t.Signatures, sig)
	}
	return nil
}

// Serialize produces the full wire bytes: signature list then message.
func (t *Transaction) Serialize() ([]byte, error) {
	msg, err := t.Message.Serialize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeCompactU16(&buf, uint16(len(t.Signatures)))
	for _, sig := range t.Signatures {
		buf.Write(sig[:])
	}
	buf.Write(msg)
	return buf.Bytes(), nil
}

// Base64 returns the wire bytes in the encoding sendTransaction expects.
func (t *Transaction) Base64() (string, error) {
	raw, err := t.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Signature returns the fee payer's signature, which doubles as the
// transaction id on the network.
func (t *Transaction) Signature() (types.Signature, error) {
	if len(t.Signatures) == 0 {
		return types.Signature{}, errors.New("transaction not signed")
	}
	return t.Signatures[0], nil
}

// writeCompactU16 emits the compact-u16 (shortvec) length encoding.
func writeCompactU16(buf *bytes.Buffer, v uint16) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
