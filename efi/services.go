// Package efi describes the boot firmware contracts the loader depends on:
// graphics mode discovery, file access, page allocation, the memory map and
// boot services termination. Types and constants use UEFI 2.x numbering;
// package firmware implements them over guest memory.
package efi

import (
	"io/fs"
	"time"
)

// BootServices is the set of EFI_BOOT_SERVICES calls used by the loader.
// None of them may be called after a successful ExitBootServices.
type BootServices interface {
	// LocateGraphicsOutput returns the graphics output protocol, or
	// ErrNotFound when the firmware exposes none.
	LocateGraphicsOutput() (GraphicsOutput, error)

	// FileSystem returns the file system the loader image was started from.
	FileSystem() (fs.FS, error)

	// AllocatePages reserves pages of physical memory and returns the base
	// address of the range. With AllocateAddress the range must start at
	// addr exactly.
	AllocatePages(t AllocateType, m MemoryType, pages uint64, addr uint64) (uint64, error)

	// AllocatePool returns size bytes of firmware managed memory of type m.
	AllocatePool(m MemoryType, size int) ([]byte, error)

	// GetMemoryMap returns the current memory map and its key.
	GetMemoryMap() ([]*MemoryDescriptor, uint64, error)

	// ExitBootServices terminates boot services. mapKey must be the key
	// of the current memory map; m is the type used for the final memory
	// map buffer.
	ExitBootServices(mapKey uint64, m MemoryType) error

	// Stall busy waits for d.
	Stall(d time.Duration)
}
