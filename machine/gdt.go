package machine

import (
	"encoding/binary"
	"io"

	"github.com/laskar-os/laskarboot/kvm"
)

// GdtEntry packs a segment descriptor. flags holds the access byte in its low
// 8 bits and the G, D/B, L and AVL nibble in bits 12..15.
func GdtEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

// SegmentFromGDT unpacks entry, found at index in the GDT, into the form KVM
// loads into a segment register.
func SegmentFromGDT(entry uint64, index uint8) kvm.Segment {
	seg := kvm.Segment{
		Base:     (entry>>16)&0x00ffffff | (entry>>56&0xff)<<24,
		Limit:    uint32(entry&0xffff | (entry>>48&0xf)<<16),
		Selector: uint16(index) * 8,
		Typ:      uint8(entry >> 40 & 0xf),
		S:        uint8(entry >> 44 & 0x1),
		DPL:      uint8(entry >> 45 & 0x3),
		Present:  uint8(entry >> 47 & 0x1),
		AVL:      uint8(entry >> 52 & 0x1),
		L:        uint8(entry >> 53 & 0x1),
		DB:       uint8(entry >> 54 & 0x1),
		G:        uint8(entry >> 55 & 0x1),
	}

	if seg.G == 1 {
		seg.Limit = seg.Limit<<12 | 0xfff
	}

	if seg.Present == 0 {
		seg.Unusable = 1
	}

	return seg
}

// CreateGDT returns the flat long mode GDT: null, code, data and TSS.
func CreateGDT() []uint64 {
	return []uint64{
		GdtEntry(0, 0, 0),
		GdtEntry(gdtCode64, 0, 0xfffff),
		GdtEntry(gdtData, 0, 0xfffff),
		GdtEntry(gdtTSS, 0, tssLimit),
	}
}

func writeGDT(w io.WriterAt, gdt []uint64) error {
	b := make([]byte, 8*len(gdt))
	for i, e := range gdt {
		binary.LittleEndian.PutUint64(b[8*i:], e)
	}

	_, err := w.WriteAt(b, gdtAddr)

	return err
}
