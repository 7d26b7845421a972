// Package handoff is the only place where control leaves the loader.
//
// Calling convention: the kernel entry point is called as
//
//	void kmain(Descriptor *d);
//
// using the System V AMD64 ABI, so the descriptor's physical address is in
// RDI. The descriptor layout is defined by package display. Paging is an
// identity map, so physical and virtual addresses are equal at entry.
package handoff

import (
	"errors"
	"fmt"
	"io"

	"github.com/laskar-os/laskarboot/display"
	"github.com/laskar-os/laskarboot/lifecycle"
)

// CPU transfers execution to a physical entry address with arg in the first
// argument register. Jump does not return when the transfer happens; a
// return means it could not be done.
type CPU interface {
	Jump(entry, arg uint64) error
}

// Record is the data crossing the loader/kernel boundary.
type Record struct {
	Entry   uint64
	Display display.Descriptor
}

var (
	// ErrNotTerminated means boot services were not exited before the
	// transfer.
	ErrNotTerminated = errors.New("boot services not terminated")

	// ErrKernelReturned means the CPU came back from the kernel.
	ErrKernelReturned = errors.New("kernel returned to the loader")
)

// Transfer writes the descriptor at argAddr and jumps to rec.Entry. It only
// returns on failure.
func Transfer(cpu CPU, mem io.WriterAt, argAddr uint64, rec Record, t *lifecycle.Terminated) error {
	if !t.Valid() {
		return ErrNotTerminated
	}

	b, err := rec.Display.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}

	n, err := mem.WriteAt(b, int64(argAddr))
	if err != nil {
		return fmt.Errorf("write descriptor at %#x: %w", argAddr, err)
	}

	if n != len(b) {
		return fmt.Errorf("write descriptor at %#x: %w", argAddr, io.ErrShortWrite)
	}

	if err := cpu.Jump(rec.Entry, argAddr); err != nil {
		return fmt.Errorf("jump to %#x: %w", rec.Entry, err)
	}

	return ErrKernelReturned
}
