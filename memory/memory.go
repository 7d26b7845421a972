// Package memory provides guest physical memory: mmap backed slots laid out
// in a single physical address space.
package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errSlotNotFound = errors.New("address is not backed by any memory slot")
	errNegative     = errors.New("negative offset")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000

	// PhysAddrLimit bounds the physical address space (4 GiB, identity
	// mapped by the machine).
	PhysAddrLimit = 1 << 32
)

// MemorySlot is one contiguous mmap backed range.
type MemorySlot struct {
	Name string
	Slot uint32
	Addr uint64
	Buf  []byte

	// LogDirty asks the hypervisor to track guest writes to the slot.
	LogDirty bool
}

// UserspaceAddr is the host address of the slot.
func (s *MemorySlot) UserspaceAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&s.Buf[0])))
}

// Memory is a guest physical address space.
type Memory struct {
	Slots []*MemorySlot
	as    *AddressSpace
}

// New returns a memory with ramSize bytes of RAM at physical address 0.
// RAM above 1 MiB is filled with Poison, so jumping into memory nothing was
// loaded to faults at once.
func New(ramSize int) (*Memory, error) {
	m := &Memory{
		as: NewAddressSpace("phys", 0, PhysAddrLimit),
	}

	slot, err := m.NewMemorySlot("ram", 0, ramSize)
	if err != nil {
		return nil, err
	}

	for i := highMemBase; i < len(slot.Buf); i += len(Poison) {
		copy(slot.Buf[i:], Poison)
	}

	return m, nil
}

// NewMemorySlot maps size bytes at physical address addr.
func (m *Memory) NewMemorySlot(name string, addr uint64, size int) (*MemorySlot, error) {
	if size <= 0 {
		return nil, fmt.Errorf("slot %s: invalid size %d", name, size)
	}

	if err := m.as.AddAddress(NewAddressSpace(name, addr, uint64(size))); err != nil {
		return nil, fmt.Errorf("slot %s at %#x: %w", name, addr, err)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	slot := &MemorySlot{
		Name: name,
		Slot: uint32(len(m.Slots)),
		Addr: addr,
		Buf:  buf,
	}

	m.Slots = append(m.Slots, slot)

	return slot, nil
}

// RAMSize returns the size of slot 0.
func (m *Memory) RAMSize() uint64 {
	return uint64(len(m.Slots[0].Buf))
}

// Slice returns the host view of [addr, addr+n). The range must lie inside a
// single slot.
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}

	if r := m.as.Find(addr, uint64(n)); r != nil {
		for _, s := range m.Slots {
			if s.Addr != r.Start {
				continue
			}

			off := addr - s.Addr

			return s.Buf[off : off+uint64(n) : off+uint64(n)], nil
		}
	}

	return nil, fmt.Errorf("[%#x, %#x): %w", addr, addr+uint64(n), errSlotNotFound)
}

// ReadAt implements io.ReaderAt over physical addresses.
func (m *Memory) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegative
	}

	src, err := m.Slice(uint64(off), len(b))
	if err != nil {
		return 0, err
	}

	return copy(b, src), nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (m *Memory) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegative
	}

	dst, err := m.Slice(uint64(off), len(b))
	if err != nil {
		return 0, err
	}

	return copy(dst, b), nil
}

// Close unmaps every slot.
func (m *Memory) Close() error {
	var errs []error

	for _, s := range m.Slots {
		errs = append(errs, unix.Munmap(s.Buf))
	}

	m.Slots = nil

	return errors.Join(errs...)
}
