package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Pubkey is a 32-byte account address, rendered as base58 in text form.
type Pubkey [32]byte

// Well-known addresses. The thread program id varies per deployment and is
// carried in configuration; the sysvars are fixed by the chain.
var (
	SystemProgramID          = MustPubkey("11111111111111111111111111111111")
	ClockSysvarID            = MustPubkey("SysvarC1ock11111111111111111111111111111111")
	RecentBlockhashesSysvarID = MustPubkey("SysvarRecentB1ockHashes11111111111111111111")
)

// ParsePubkey decodes a base58 address.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid pubkey %q: %w", s, err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("invalid pubkey %q: decoded to %d bytes", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPubkey is ParsePubkey for compile-time constants.
func MustPubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether the pubkey is the all-zero address.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// Hash is a 32-byte digest (account data hashes, blockhashes).
type Hash [32]byte

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// WindowHash digests the monitored byte range of an account. A window
// extending past the data length is clamped to monitor from offset to
// end; an offset past the end monitors the empty range.
func WindowHash(data []byte, offset, size uint64) Hash {
	start := offset
	if start > uint64(len(data)) {
		start = uint64(len(data))
	}
	end := uint64(len(data))
	if size > 0 && start+size < end {
		end = start + size
	}
	return HashBytes(data[start:end])
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := base58.Decode(string(text))
	if err != nil {
		return err
	}
	if len(raw) != len(h) {
		return fmt.Errorf("invalid hash: decoded to %d bytes", len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Signature is a 64-byte ed25519 transaction signature.
type Signature [64]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := base58.Decode(string(text))
	if err != nil {
		return err
	}
	if len(raw) != len(s) {
		return fmt.Errorf("invalid signature: decoded to %d bytes", len(raw))
	}
	copy(s[:], raw)
	return nil
}

// TaskID is the deterministic fingerprint of one intended execution:
// SHA-256(thread pubkey || exec_count little-endian). Two observations of
// the same (thread, exec_count) collapse to the same id.
type TaskID [32]byte

// TaskIDFor derives the task id for a thread at a given exec_count.
func TaskIDFor(thread Pubkey, execCount uint64) TaskID {
	var buf bytes.Buffer
	buf.Write(thread[:])
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], execCount)
	buf.Write(n[:])
	return TaskID(sha256.Sum256(buf.Bytes()))
}

func (id TaskID) String() string {
	return base58.Encode(id[:])
}

func (id TaskID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *TaskID) UnmarshalText(text []byte) error {
	raw, err := base58.Decode(string(text))
	if err != nil {
		return err
	}
	if len(raw) != len(id) {
		return fmt.Errorf("invalid task id: decoded to %d bytes", len(raw))
	}
	copy(id[:], raw)
	return nil
}
