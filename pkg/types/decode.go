package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedAccount reports thread account bytes the decoder cannot
// interpret. Observers log and skip these.
var ErrMalformedAccount = errors.New("malformed thread account")

// ThreadAccountVersion is the highest account layout version this build
// understands.
const ThreadAccountVersion uint8 = 1

const (
	triggerTagNow uint8 = iota
	triggerTagTimestamp
	triggerTagInterval
	triggerTagCron
	triggerTagAccount
	triggerTagSlot
	triggerTagEpoch
)

var triggerKindByTag = map[uint8]TriggerKind{
	triggerTagNow:       TriggerNow,
	triggerTagTimestamp: TriggerTimestamp,
	triggerTagInterval:  TriggerInterval,
	triggerTagCron:      TriggerCron,
	triggerTagAccount:   TriggerAccount,
	triggerTagSlot:      TriggerSlot,
	triggerTagEpoch:     TriggerEpoch,
}

var triggerTagByKind = func() map[TriggerKind]uint8 {
	m := make(map[TriggerKind]uint8, len(triggerKindByTag))
	for tag, kind := range triggerKindByTag {
		m[kind] = tag
	}
	return m
}()

type accountReader struct {
	buf *bytes.Reader
}

func (r *accountReader) u8() (uint8, error) {
	return r.buf.ReadByte()
}

func (r *accountReader) u16() (uint16, error) {
	var b [2]byte
	if n, err := r.buf.Read(b[:]); err != nil || n != 2 {
		return 0, errShort(err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (r *accountReader) u64() (uint64, error) {
	var b [8]byte
	if n, err := r.buf.Read(b[:]); err != nil || n != 8 {
		return 0, errShort(err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *accountReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *accountReader) pubkey() (Pubkey, error) {
	var pk Pubkey
	if n, err := r.buf.Read(pk[:]); err != nil || n != len(pk) {
		return pk, errShort(err)
	}
	return pk, nil
}

func (r *accountReader) hash() (Hash, error) {
	var h Hash
	if n, err := r.buf.Read(h[:]); err != nil || n != len(h) {
		return h, errShort(err)
	}
	return h, nil
}

func (r *accountReader) bytesU16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if int(n) > r.buf.Len() {
		return nil, errShort(nil)
	}
	out := make([]byte, n)
	if _, err := r.buf.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func errShort(err error) error {
	if err != nil {
		return err
	}
	return errors.New("short read")
}

// DecodeThreadAccount parses a thread account's raw bytes into a Thread
// snapshot. The layout is fixed by the on-chain program: a 1-byte version
// tag followed by little-endian fields with u16 length prefixes.
func DecodeThreadAccount(pubkey Pubkey, data []byte) (*Thread, error) {
	r := &accountReader{buf: bytes.NewReader(data)}

	version, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAccount, err)
	}
	if version == 0 || version > ThreadAccountVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedAccount, version)
	}

	th := &Thread{Pubkey: pubkey, Version: version}
	if th.Authority, err = r.pubkey(); err != nil {
		return nil, fmt.Errorf("%w: authority: %v", ErrMalformedAccount, err)
	}
	if th.ID, err = r.bytesU16(); err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrMalformedAccount, err)
	}
	if th.Trigger, err = decodeTrigger(r); err != nil {
		return nil, fmt.Errorf("%w: trigger: %v", ErrMalformedAccount, err)
	}
	if th.Context, err = decodeTriggerContext(r, th.Trigger.Kind); err != nil {
		return nil, fmt.Errorf("%w: context: %v", ErrMalformedAccount, err)
	}

	if th.ExecIndex, err = r.u8(); err != nil {
		return nil, fmt.Errorf("%w: exec_index: %v", ErrMalformedAccount, err)
	}
	pausedByte, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("%w: paused: %v", ErrMalformedAccount, err)
	}
	th.Paused = pausedByte != 0
	if th.CreatedAt, err = r.i64(); err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", ErrMalformedAccount, err)
	}
	if th.ExecCount, err = r.u64(); err != nil {
		return nil, fmt.Errorf("%w: exec_count: %v", ErrMalformedAccount, err)
	}

	hasNonce, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("%w: nonce flag: %v", ErrMalformedAccount, err)
	}
	if hasNonce != 0 {
		nonce, err := r.pubkey()
		if err != nil {
			return nil, fmt.Errorf("%w: nonce account: %v", ErrMalformedAccount, err)
		}
		th.NonceAccount = &nonce
	}

	fiberCount, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("%w: fiber count: %v", ErrMalformedAccount, err)
	}
	if fiberCount > 0 {
		th.Fibers = make([]Fiber, 0, fiberCount)
	}
	for i := uint8(0); i < fiberCount; i++ {
		f, err := decodeFiber(r)
		if err != nil {
			return nil, fmt.Errorf("%w: fiber %d: %v", ErrMalformedAccount, i, err)
		}
		th.Fibers = append(th.Fibers, f)
	}

	return th, nil
}

func decodeTrigger(r *accountReader) (Trigger, error) {
	var tr Trigger
	tag, err := r.u8()
	if err != nil {
		return tr, err
	}
	kind, ok := triggerKindByTag[tag]
	if !ok {
		return tr, fmt.Errorf("unknown trigger tag %d", tag)
	}
	tr.Kind = kind

	switch kind {
	case TriggerNow:
	case TriggerTimestamp:
		if tr.UnixTimestamp, err = r.i64(); err != nil {
			return tr, err
		}
	case TriggerInterval:
		if tr.IntervalSeconds, err = r.i64(); err != nil {
			return tr, err
		}
		skip, err := r.u8()
		if err != nil {
			return tr, err
		}
		tr.Skippable = skip != 0
	case TriggerCron:
		expr, err := r.bytesU16()
		if err != nil {
			return tr, err
		}
		tr.Schedule = string(expr)
		skip, err := r.u8()
		if err != nil {
			return tr, err
		}
		tr.Skippable = skip != 0
	case TriggerAccount:
		if tr.Address, err = r.pubkey(); err != nil {
			return tr, err
		}
		if tr.Offset, err = r.u64(); err != nil {
			return tr, err
		}
		if tr.Size, err = r.u64(); err != nil {
			return tr, err
		}
	case TriggerSlot:
		if tr.Slot, err = r.u64(); err != nil {
			return tr, err
		}
	case TriggerEpoch:
		if tr.Epoch, err = r.u64(); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

func decodeTriggerContext(r *accountReader, kind TriggerKind) (TriggerContext, error) {
	var ctx TriggerContext
	var err error
	switch kind {
	case TriggerNow:
	case TriggerTimestamp, TriggerInterval, TriggerCron:
		if ctx.PrevTimestamp, err = r.i64(); err != nil {
			return ctx, err
		}
		if ctx.NextTimestamp, err = r.i64(); err != nil {
			return ctx, err
		}
	case TriggerAccount:
		if ctx.DataHash, err = r.hash(); err != nil {
			return ctx, err
		}
	case TriggerSlot:
		if ctx.PrevSlot, err = r.u64(); err != nil {
			return ctx, err
		}
		if ctx.NextSlot, err = r.u64(); err != nil {
			return ctx, err
		}
	case TriggerEpoch:
		if ctx.PrevEpoch, err = r.u64(); err != nil {
			return ctx, err
		}
		if ctx.NextEpoch, err = r.u64(); err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

func decodeFiber(r *accountReader) (Fiber, error) {
	var f Fiber
	var err error
	if f.Index, err = r.u8(); err != nil {
		return f, err
	}
	if f.ExecCount, err = r.u64(); err != nil {
		return f, err
	}
	if f.Instruction.ProgramID, err = r.pubkey(); err != nil {
		return f, err
	}
	count, err := r.u16()
	if err != nil {
		return f, err
	}
	if count > 0 {
		f.Instruction.Accounts = make([]AccountMeta, 0, count)
	}
	for i := uint16(0); i < count; i++ {
		var meta AccountMeta
		if meta.Pubkey, err = r.pubkey(); err != nil {
			return f, err
		}
		flags, err := r.u8()
		if err != nil {
			return f, err
		}
		meta.Signer = flags&0x01 != 0
		meta.Writable = flags&0x02 != 0
		f.Instruction.Accounts = append(f.Instruction.Accounts, meta)
	}
	if f.Instruction.Data, err = r.bytesU16(); err != nil {
		return f, err
	}
	return f, nil
}

// EncodeThreadAccount serializes a Thread into account bytes. The decoder
// is the authority on the layout; this mirror exists for tests and tooling.
func EncodeThreadAccount(th *Thread) []byte {
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteByte(th.Version)
	buf.Write(th.Authority[:])
	w(uint16(len(th.ID)))
	buf.Write(th.ID)

	buf.WriteByte(triggerTagByKind[th.Trigger.Kind])
	switch th.Trigger.Kind {
	case TriggerNow:
	case TriggerTimestamp:
		w(th.Trigger.UnixTimestamp)
	case TriggerInterval:
		w(th.Trigger.IntervalSeconds)
		buf.WriteByte(boolByte(th.Trigger.Skippable))
	case TriggerCron:
		w(uint16(len(th.Trigger.Schedule)))
		buf.WriteString(th.Trigger.Schedule)
		buf.WriteByte(boolByte(th.Trigger.Skippable))
	case TriggerAccount:
		buf.Write(th.Trigger.Address[:])
		w(th.Trigger.Offset)
		w(th.Trigger.Size)
	case TriggerSlot:
		w(th.Trigger.Slot)
	case TriggerEpoch:
		w(th.Trigger.Epoch)
	}

	switch th.Trigger.Kind {
	case TriggerNow:
	case TriggerTimestamp, TriggerInterval, TriggerCron:
		w(th.Context.PrevTimestamp)
		w(th.Context.NextTimestamp)
	case TriggerAccount:
		buf.Write(th.Context.DataHash[:])
	case TriggerSlot:
		w(th.Context.PrevSlot)
		w(th.Context.NextSlot)
	case TriggerEpoch:
		w(th.Context.PrevEpoch)
		w(th.Context.NextEpoch)
	}

	buf.WriteByte(th.ExecIndex)
	buf.WriteByte(boolByte(th.Paused))
	w(th.CreatedAt)
	w(th.ExecCount)

	if th.NonceAccount != nil {
		buf.WriteByte(1)
		buf.Write(th.NonceAccount[:])
	} else {
		buf.WriteByte(0)
	}

	buf.WriteByte(uint8(len(th.Fibers)))
	for _, f := range th.Fibers {
		buf.WriteByte(f.Index)
		w(f.ExecCount)
		buf.Write(f.Instruction.ProgramID[:])
		w(uint16(len(f.Instruction.Accounts)))
		for _, meta := range f.Instruction.Accounts {
			buf.Write(meta.Pubkey[:])
			var flags uint8
			if meta.Signer {
				flags |= 0x01
			}
			if meta.Writable {
				flags |= 0x02
			}
			buf.WriteByte(flags)
		}
		w(uint16(len(f.Instruction.Data)))
		buf.Write(f.Instruction.Data)
	}

	return buf.Bytes()
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// ThreadAccountPaused reports the paused flag of raw thread account bytes.
// It decodes the whole account to read the flag.
func ThreadAccountPaused(data []byte) (bool, error) {
	th, err := DecodeThreadAccount(Pubkey{}, data)
	if err != nil {
		return false, err
	}
	return th.Paused, nil
}
