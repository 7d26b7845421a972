// Package firmware implements efi.BootServices on top of guest physical
// memory, so the loader runs unmodified inside the VMM.
//
// Physical layout:
//
//	0x00000000  +------------------+
//	            | reserved         |
//	0x00001000  +------------------+
//	            | boot services    |  GDT, stack and page tables used by
//	            | data             |  the CPU at handoff
//	0x00100000  +------------------+
//	            | conventional     |  AllocatePages / AllocatePool,
//	            | memory           |  served from the top down
//	   RAM end  +------------------+
//	            ~                  ~
//	0xc0000000  +------------------+
//	            | framebuffer      |  memory mapped I/O
//	            +------------------+
package firmware

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/memory"
)

const (
	BootServicesBase  = 0x1000
	BootServicesLimit = 0x100000

	FramebufferBase = 0xc0000000
)

var errRAMTooLarge = errors.New("RAM overlaps the framebuffer window")

// Config selects the graphics mode and the file system the firmware exposes.
type Config struct {
	Width  uint32
	Height uint32
	Format efi.PixelFormat

	// NoGraphics removes the graphics output protocol.
	NoGraphics bool

	// ESP is served as the loaded image's file system.
	ESP fs.FS
}

type graphicsOutput struct {
	mode efi.ProtocolMode
}

func (g *graphicsOutput) CurrentMode() (*efi.ProtocolMode, error) {
	m := g.mode

	return &m, nil
}

// Firmware is a minimal UEFI boot services implementation.
type Firmware struct {
	mem  *memory.Memory
	esp  fs.FS
	gop  *graphicsOutput
	fb   *memory.MemorySlot
	mmap []*efi.MemoryDescriptor
	key  uint64

	exited   bool
	finalMap []*efi.MemoryDescriptor
	mapAddr  uint64
}

// New builds the firmware state over mem.
func New(mem *memory.Memory, c Config) (*Firmware, error) {
	ram := mem.RAMSize()
	if ram > FramebufferBase {
		return nil, fmt.Errorf("%w: %#x", errRAMTooLarge, ram)
	}

	if ram <= BootServicesLimit {
		return nil, fmt.Errorf("RAM too small: %#x", ram)
	}

	f := &Firmware{
		mem: mem,
		esp: c.ESP,
		mmap: []*efi.MemoryDescriptor{
			desc(efi.ReservedMemoryType, 0, BootServicesBase),
			desc(efi.BootServicesData, BootServicesBase, BootServicesLimit),
			desc(efi.ConventionalMemory, BootServicesLimit, ram&^(efi.PageSize-1)),
		},
	}

	if c.NoGraphics {
		return f, nil
	}

	if err := f.initGraphics(c); err != nil {
		return nil, err
	}

	return f, nil
}

func desc(t efi.MemoryType, start, end uint64) *efi.MemoryDescriptor {
	return &efi.MemoryDescriptor{
		Type:          t,
		PhysicalStart: start,
		VirtualStart:  start,
		NumberOfPages: (end - start) / efi.PageSize,
	}
}

func (f *Firmware) initGraphics(c Config) error {
	if c.Format >= efi.PixelFormatMax {
		return fmt.Errorf("graphics: %w: %v", efi.ErrUnsupported, c.Format)
	}

	info := efi.ModeInformation{
		HorizontalResolution: c.Width,
		VerticalResolution:   c.Height,
		PixelFormat:          c.Format,
		PixelsPerScanLine:    c.Width,
	}

	if c.Format == efi.PixelBitMask {
		info.PixelInformation = efi.PixelBitmask{
			RedMask:      0x00ff0000,
			GreenMask:    0x0000ff00,
			BlueMask:     0x000000ff,
			ReservedMask: 0xff000000,
		}
	}

	f.gop = &graphicsOutput{mode: efi.ProtocolMode{MaxMode: 1, Info: info}}

	// a blt only mode has no linear framebuffer
	if c.Format == efi.PixelBltOnly {
		return nil
	}

	size := uint64(c.Width) * uint64(c.Height) * 4
	size = (size + efi.PageSize - 1) &^ (efi.PageSize - 1)

	if size == 0 {
		return fmt.Errorf("graphics: %w: %dx%d", efi.ErrUnsupported, c.Width, c.Height)
	}

	fb, err := f.mem.NewMemorySlot("framebuffer", FramebufferBase, int(size))
	if err != nil {
		return fmt.Errorf("framebuffer: %w", err)
	}

	fb.LogDirty = true
	f.fb = fb
	f.gop.mode.FrameBufferBase = FramebufferBase
	f.gop.mode.FrameBufferSize = size
	f.mmap = append(f.mmap, desc(efi.MemoryMappedIO, FramebufferBase, FramebufferBase+size))

	return nil
}

// Framebuffer returns the framebuffer slot, nil without one.
func (f *Firmware) Framebuffer() *memory.MemorySlot {
	return f.fb
}

// LocateGraphicsOutput returns the configured mode, or efi.ErrNotFound
// when graphics are disabled.
func (f *Firmware) LocateGraphicsOutput() (efi.GraphicsOutput, error) {
	if f.exited {
		return nil, efi.ErrUnsupported
	}

	if f.gop == nil {
		return nil, efi.ErrNotFound
	}

	return f.gop, nil
}

// FileSystem returns the ESP.
func (f *Firmware) FileSystem() (fs.FS, error) {
	if f.exited {
		return nil, efi.ErrUnsupported
	}

	if f.esp == nil {
		return nil, efi.ErrNotFound
	}

	return f.esp, nil
}

// AllocatePages carves pages out of conventional memory and bumps the map
// key.
func (f *Firmware) AllocatePages(t efi.AllocateType, m efi.MemoryType, pages, addr uint64) (uint64, error) {
	if f.exited {
		return 0, efi.ErrUnsupported
	}

	if pages == 0 || t < 0 || t >= efi.MaxAllocateType || m >= efi.MaxMemoryType || m == efi.ConventionalMemory {
		return 0, efi.ErrInvalidParameter
	}

	return f.allocate(t, m, pages, addr)
}

func (f *Firmware) allocate(t efi.AllocateType, m efi.MemoryType, pages, addr uint64) (uint64, error) {
	size := pages * efi.PageSize
	if size/efi.PageSize != pages {
		return 0, efi.ErrOutOfResources
	}

	var (
		start uint64
		ok    bool
	)

	switch t {
	case efi.AllocateAddress:
		if addr%efi.PageSize != 0 {
			return 0, efi.ErrInvalidParameter
		}

		start, ok = addr, true
	case efi.AllocateAnyPages:
		start, ok = f.highestFit(size, ^uint64(0))
	case efi.AllocateMaxAddress:
		start, ok = f.highestFit(size, addr)
	}

	if !ok {
		return 0, efi.ErrOutOfResources
	}

	if err := f.carve(start, size, m); err != nil {
		return 0, err
	}

	return start, nil
}

// highestFit returns the highest address at which size bytes of
// conventional memory end at or below maxAddr. Memory under
// BootServicesLimit is never handed out.
func (f *Firmware) highestFit(size, maxAddr uint64) (uint64, bool) {
	limit := (maxAddr + 1) &^ (efi.PageSize - 1)
	if maxAddr == ^uint64(0) {
		limit = ^uint64(0) &^ (efi.PageSize - 1)
	}

	for i := len(f.mmap) - 1; i >= 0; i-- {
		d := f.mmap[i]
		if d.Type != efi.ConventionalMemory {
			continue
		}

		start := d.PhysicalStart
		if start < BootServicesLimit {
			start = BootServicesLimit
		}

		end := d.PhysicalEnd()
		if end > limit {
			end = limit
		}

		if end >= start+size && start+size >= start {
			return end - size, true
		}
	}

	return 0, false
}

// carve turns [start, start+size) of a single conventional descriptor into
// type m. Anything else at that range is a conflict.
func (f *Firmware) carve(start, size uint64, m efi.MemoryType) error {
	end := start + size
	if end < start {
		return efi.ErrNotFound
	}

	for i, d := range f.mmap {
		if d.Type != efi.ConventionalMemory || start < d.PhysicalStart || end > d.PhysicalEnd() {
			continue
		}

		var split []*efi.MemoryDescriptor

		if start > d.PhysicalStart {
			split = append(split, desc(efi.ConventionalMemory, d.PhysicalStart, start))
		}

		split = append(split, desc(m, start, end))

		if end < d.PhysicalEnd() {
			split = append(split, desc(efi.ConventionalMemory, end, d.PhysicalEnd()))
		}

		mmap := make([]*efi.MemoryDescriptor, 0, len(f.mmap)+2)
		mmap = append(mmap, f.mmap[:i]...)
		mmap = append(mmap, split...)
		mmap = append(mmap, f.mmap[i+1:]...)
		f.mmap = mmap
		f.key++

		return nil
	}

	return efi.ErrNotFound
}

// AllocatePool returns size bytes of guest memory, rounded up to whole pages
// in the map.
func (f *Firmware) AllocatePool(m efi.MemoryType, size int) ([]byte, error) {
	if f.exited {
		return nil, efi.ErrUnsupported
	}

	if size < 0 || m >= efi.MaxMemoryType || m == efi.ConventionalMemory {
		return nil, efi.ErrInvalidParameter
	}

	if size == 0 {
		return []byte{}, nil
	}

	pages := (uint64(size) + efi.PageSize - 1) / efi.PageSize

	addr, err := f.allocate(efi.AllocateAnyPages, m, pages, 0)
	if err != nil {
		return nil, err
	}

	return f.mem.Slice(addr, size)
}

// GetMemoryMap returns a sorted copy of the memory map and its key.
func (f *Firmware) GetMemoryMap() ([]*efi.MemoryDescriptor, uint64, error) {
	if f.exited {
		return nil, 0, efi.ErrUnsupported
	}

	return clone(f.mmap), f.key, nil
}

func clone(mmap []*efi.MemoryDescriptor) []*efi.MemoryDescriptor {
	c := make([]*efi.MemoryDescriptor, len(mmap))

	for i, d := range mmap {
		dd := *d
		c[i] = &dd
	}

	sort.Slice(c, func(i, j int) bool { return c[i].PhysicalStart < c[j].PhysicalStart })

	return c
}

// ExitBootServices stores the final memory map in guest memory of type m and
// shuts every service down.
func (f *Firmware) ExitBootServices(mapKey uint64, m efi.MemoryType) error {
	if f.exited {
		return efi.ErrUnsupported
	}

	if mapKey != f.key {
		return efi.ErrInvalidParameter
	}

	// room for the descriptors plus the split the buffer itself causes
	n := uint64(len(f.mmap)+2) * efi.DescriptorSize
	pages := (n + efi.PageSize - 1) / efi.PageSize

	addr, err := f.allocate(efi.AllocateAnyPages, m, pages, 0)
	if err != nil {
		return err
	}

	final := clone(f.mmap)
	buf := make([]byte, 0, len(final)*efi.DescriptorSize)

	for _, d := range final {
		b, err := d.MarshalBinary()
		if err != nil {
			return err
		}

		buf = append(buf, b...)
	}

	if _, err := f.mem.WriteAt(buf, int64(addr)); err != nil {
		return err
	}

	f.finalMap = final
	f.mapAddr = addr
	f.exited = true

	return nil
}

// FinalMemoryMap returns the memory map handed over at exit and the physical
// address it was stored at.
func (f *Firmware) FinalMemoryMap() ([]*efi.MemoryDescriptor, uint64) {
	return f.finalMap, f.mapAddr
}

// Exited reports whether boot services were terminated.
func (f *Firmware) Exited() bool {
	return f.exited
}

// Stall sleeps for d.
func (f *Firmware) Stall(d time.Duration) {
	time.Sleep(d)
}
