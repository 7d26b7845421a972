// Package stage runs the boot sequence: display discovery, kernel load,
// fixed address reservation, placement, boot services exit and jump.
package stage

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/laskar-os/laskarboot/alloc"
	"github.com/laskar-os/laskarboot/display"
	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/handoff"
	"github.com/laskar-os/laskarboot/lifecycle"
	"github.com/laskar-os/laskarboot/loader"
)

const (
	DefaultKernelPath = `\kernel.bin`

	// DefaultBase is the kernel link address.
	DefaultBase = 0x200000
)

type Config struct {
	// KernelPath is the kernel file in the firmware file system.
	KernelPath string

	// Base is the physical address the kernel is linked at.
	Base uint64

	// MemoryType classifies the kernel range, and the final memory map.
	MemoryType efi.MemoryType

	// Stall is waited before boot services are exited.
	Stall time.Duration
}

func DefaultConfig() Config {
	return Config{
		KernelPath: DefaultKernelPath,
		Base:       DefaultBase,
		MemoryType: efi.LoaderCode,
	}
}

// Run boots the kernel. mem must address the same physical memory the
// firmware allocates from. Run only returns on failure; every error is
// fatal.
func Run(c Config, svc *lifecycle.Services, mem io.WriterAt, cpu handoff.CPU) error {
	log.Printf("Initializing graphics...")

	d, err := display.Acquire(svc)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}

	log.Printf("GOP initialized: %s", d)

	log.Printf("Loading kernel from %s...", c.KernelPath)

	img, err := loader.Load(svc, c.KernelPath)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	log.Printf("Kernel loaded: %d bytes", img.Len())

	log.Printf("Allocating memory at %#x...", c.Base)

	res, err := alloc.Reserve(svc, c.Base, uint64(img.Len()), c.MemoryType)
	if err != nil {
		return fmt.Errorf("reserve kernel: %w", err)
	}

	log.Printf("Allocated %s", res)

	if err := alloc.Place(mem, res, img); err != nil {
		return fmt.Errorf("place kernel: %w", err)
	}

	log.Printf("Kernel copied to %#x", res.Base)

	arg, err := alloc.ReserveAny(svc, alloc.PageCount(display.Size), efi.LoaderData)
	if err != nil {
		return fmt.Errorf("reserve descriptor: %w", err)
	}

	if c.Stall > 0 {
		log.Printf("Exiting boot services in %v", c.Stall)

		if err := svc.Stall(c.Stall); err != nil {
			return err
		}
	}

	t, err := svc.Exit(c.MemoryType)
	if err != nil {
		return fmt.Errorf("exit boot services: %w", err)
	}

	return handoff.Transfer(cpu, mem, arg.Base, handoff.Record{Entry: res.Base, Display: d}, t)
}
