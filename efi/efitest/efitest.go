// Package efitest provides an in-memory efi.BootServices for tests.
package efitest

import (
	"io/fs"
	"time"

	"github.com/laskar-os/laskarboot/efi"
)

// GOP is a fixed graphics mode.
type GOP struct {
	Mode efi.ProtocolMode
}

func (g *GOP) CurrentMode() (*efi.ProtocolMode, error) {
	m := g.Mode

	return &m, nil
}

// NewGOP returns a 32 bits per pixel mode with stride == width.
func NewGOP(width, height uint32, format efi.PixelFormat, fb uint64) *GOP {
	return &GOP{Mode: efi.ProtocolMode{
		MaxMode: 1,
		Info: efi.ModeInformation{
			HorizontalResolution: width,
			VerticalResolution:   height,
			PixelFormat:          format,
			PixelsPerScanLine:    width,
		},
		FrameBufferBase: fb,
		FrameBufferSize: uint64(width) * uint64(height) * 4,
	}}
}

// Range is an allocated page range.
type Range struct {
	Base  uint64
	Pages uint64
	Type  efi.MemoryType
}

func (r Range) overlaps(base, pages uint64) bool {
	return base < r.Base+r.Pages*efi.PageSize && r.Base < base+pages*efi.PageSize
}

// Fake records every call made to it. A nil GOP means no graphics protocol.
type Fake struct {
	GOP efi.GraphicsOutput
	FS  fs.FS

	// Allocate overrides the page allocator when set.
	Allocate func(t efi.AllocateType, m efi.MemoryType, pages, addr uint64) (uint64, error)

	// ExitErrs are returned by successive ExitBootServices calls.
	ExitErrs []error

	Ranges   []Range
	Key      uint64
	Calls    []string
	Exited   bool
	ExitType efi.MemoryType
	Stalled  time.Duration

	next uint64
}

func (f *Fake) record(name string) {
	f.Calls = append(f.Calls, name)
}

func (f *Fake) LocateGraphicsOutput() (efi.GraphicsOutput, error) {
	f.record("LocateGraphicsOutput")

	if f.GOP == nil {
		return nil, efi.ErrNotFound
	}

	return f.GOP, nil
}

func (f *Fake) FileSystem() (fs.FS, error) {
	f.record("FileSystem")

	if f.FS == nil {
		return nil, efi.ErrUnsupported
	}

	return f.FS, nil
}

func (f *Fake) AllocatePages(t efi.AllocateType, m efi.MemoryType, pages, addr uint64) (uint64, error) {
	f.record("AllocatePages")

	if f.Allocate != nil {
		return f.Allocate(t, m, pages, addr)
	}

	if t != efi.AllocateAddress {
		if f.next == 0 {
			f.next = 0x1000000
		}

		addr = f.next
	}

	for _, r := range f.Ranges {
		if r.overlaps(addr, pages) {
			return 0, efi.ErrNotFound
		}
	}

	f.Ranges = append(f.Ranges, Range{Base: addr, Pages: pages, Type: m})
	f.Key++

	if t != efi.AllocateAddress {
		f.next += pages * efi.PageSize
	}

	return addr, nil
}

func (f *Fake) AllocatePool(m efi.MemoryType, size int) ([]byte, error) {
	f.record("AllocatePool")

	return make([]byte, size), nil
}

func (f *Fake) GetMemoryMap() ([]*efi.MemoryDescriptor, uint64, error) {
	f.record("GetMemoryMap")

	m := make([]*efi.MemoryDescriptor, 0, len(f.Ranges))
	for _, r := range f.Ranges {
		m = append(m, &efi.MemoryDescriptor{Type: r.Type, PhysicalStart: r.Base, NumberOfPages: r.Pages})
	}

	return m, f.Key, nil
}

func (f *Fake) ExitBootServices(mapKey uint64, m efi.MemoryType) error {
	f.record("ExitBootServices")

	if len(f.ExitErrs) > 0 {
		err := f.ExitErrs[0]
		f.ExitErrs = f.ExitErrs[1:]

		if err != nil {
			return err
		}
	}

	if mapKey != f.Key {
		return efi.ErrInvalidParameter
	}

	f.Exited = true
	f.ExitType = m

	return nil
}

func (f *Fake) Stall(d time.Duration) {
	f.record("Stall")
	f.Stalled += d
}

// Count returns how many times the named method was called.
func (f *Fake) Count(name string) int {
	n := 0

	for _, c := range f.Calls {
		if c == name {
			n++
		}
	}

	return n
}
