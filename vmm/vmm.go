// Package vmm assembles the boot machine: guest memory, the firmware that
// serves boot services over it, and the vCPU the loader hands off to.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/firmware"
	"github.com/laskar-os/laskarboot/lifecycle"
	"github.com/laskar-os/laskarboot/machine"
	"github.com/laskar-os/laskarboot/memory"
	"github.com/laskar-os/laskarboot/stage"
)

var errNotInitialized = errors.New("vmm not initialized")

type Config struct {
	Dev string

	// ESP is the host directory served as the firmware file system.
	ESP string

	// Kernel is the kernel path inside the ESP, in UEFI form.
	Kernel string
	Base   uint64

	MemSize int

	Width      uint32
	Height     uint32
	Format     efi.PixelFormat
	NoGraphics bool

	Stall      time.Duration
	TraceCount int

	Console io.Writer
	Exit    func(code int)
}

type VMM struct {
	Config

	mem     *memory.Memory
	fw      *firmware.Firmware
	machine *machine.Machine
}

func New(c Config) *VMM {
	return &VMM{Config: c}
}

// Init instantiates memory, firmware and machine.
func (v *VMM) Init() error {
	mem, err := memory.New(v.MemSize)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	v.mem = mem

	fw, err := firmware.New(mem, firmware.Config{
		Width:      v.Width,
		Height:     v.Height,
		Format:     v.Format,
		NoGraphics: v.NoGraphics,
		ESP:        os.DirFS(v.ESP),
	})
	if err != nil {
		v.Close()

		return fmt.Errorf("firmware: %w", err)
	}

	v.fw = fw

	m, err := machine.New(v.Dev, mem, machine.Options{
		TraceCount: v.TraceCount,
		Console:    v.Console,
		Exit:       v.Exit,
	})
	if err != nil {
		v.Close()

		return fmt.Errorf("machine: %w", err)
	}

	v.machine = m

	log.Printf("Machine ready: %d MiB RAM, ESP %s", v.MemSize>>20, v.ESP)

	return nil
}

// Boot runs the loader against the firmware. It does not return once the
// kernel is running.
func (v *VMM) Boot() error {
	if v.machine == nil {
		return errNotInitialized
	}

	c := stage.DefaultConfig()
	c.KernelPath = v.Kernel
	c.Base = v.Base
	c.Stall = v.Stall

	return stage.Run(c, lifecycle.New(v.fw), v.mem, v.machine)
}

// Close releases the machine and guest memory.
func (v *VMM) Close() error {
	var errs []error

	if v.machine != nil {
		errs = append(errs, v.machine.Close())
		v.machine = nil
	}

	if v.mem != nil {
		errs = append(errs, v.mem.Close())
		v.mem = nil
	}

	return errors.Join(errs...)
}
