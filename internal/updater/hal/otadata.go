package hal

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	sectorSize = 0x1000

	otaEntrySize = 32
	seqLabelLen  = 20

	// otaStateUndefined is written when rollback is not in use.
	otaStateUndefined = 0xFFFFFFFF
	otaStateInvalid   = 3
	otaStateAborted   = 4

	erasedWord = 0xFFFFFFFF
)

// otaEntry is one of the two copies of the boot selection kept in otadata.
// Each copy lives at the start of its own sector.
type otaEntry struct {
	Seq   uint32
	Label [seqLabelLen]byte
	State uint32
	CRC   uint32
}

func decodeEntry(b []byte) otaEntry {
	var e otaEntry
	e.Seq = binary.LittleEndian.Uint32(b[0:4])
	copy(e.Label[:], b[4:4+seqLabelLen])
	e.State = binary.LittleEndian.Uint32(b[24:28])
	e.CRC = binary.LittleEndian.Uint32(b[28:32])
	return e
}

func (e otaEntry) encode() []byte {
	b := make([]byte, otaEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], e.Seq)
	copy(b[4:4+seqLabelLen], e.Label[:])
	binary.LittleEndian.PutUint32(b[24:28], e.State)
	binary.LittleEndian.PutUint32(b[28:32], e.CRC)
	return b
}

func newEntry(seq uint32) otaEntry {
	e := otaEntry{Seq: seq, State: otaStateUndefined, CRC: seqCRC(seq)}
	for i := range e.Label {
		e.Label[i] = 0xFF
	}
	return e
}

// seqCRC is the little-endian CRC32 of the sequence number with an all-ones
// seed, as the bootloader computes it.
func seqCRC(seq uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return crc32.Update(erasedWord, crc32.IEEETable, b[:])
}

func (e otaEntry) valid() bool {
	return e.Seq != erasedWord &&
		e.State != otaStateInvalid &&
		e.State != otaStateAborted &&
		e.CRC == seqCRC(e.Seq)
}

// activeEntry returns the index of the valid entry with the highest
// sequence number, or -1 when neither entry is valid.
func activeEntry(entries [2]otaEntry) int {
	v0, v1 := entries[0].valid(), entries[1].valid()
	switch {
	case v0 && v1:
		if entries[1].Seq > entries[0].Seq {
			return 1
		}
		return 0
	case v0:
		return 0
	case v1:
		return 1
	default:
		return -1
	}
}

// bootSlot maps a sequence number onto one of n OTA slots.
func bootSlot(seq uint32, n int) int {
	return int((seq - 1) % uint32(n))
}

// nextSeq returns the smallest sequence number greater than current that
// selects slot out of n.
func nextSeq(current uint32, slot, n int) uint32 {
	base := uint32(slot + 1)
	if current < base {
		return base
	}
	return base + ((current-base)/uint32(n)+1)*uint32(n)
}
