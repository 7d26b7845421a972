// Package lifecycle owns access to boot services. A *Services value is the
// capability to call the firmware: once Exit has been attempted every method
// fails with ErrServicesTerminated without reaching the firmware.
package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/laskar-os/laskarboot/efi"
)

// State is the boot services state. It only moves forward.
type State int

const (
	Active State = iota
	ServicesTerminated
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case ServicesTerminated:
		return "ServicesTerminated"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// ErrServicesTerminated is returned by every firmware call made after Exit.
var ErrServicesTerminated = errors.New("boot services terminated")

// Services guards an efi.BootServices implementation.
type Services struct {
	bs    efi.BootServices
	state State
}

// New returns an Active capability for bs.
func New(bs efi.BootServices) *Services {
	return &Services{bs: bs, state: Active}
}

// State returns the current lifecycle state.
func (s *Services) State() State {
	return s.state
}

func (s *Services) guard() error {
	if s.state != Active {
		return ErrServicesTerminated
	}

	return nil
}

// LocateGraphicsOutput returns the firmware graphics output protocol.
func (s *Services) LocateGraphicsOutput() (efi.GraphicsOutput, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	return s.bs.LocateGraphicsOutput()
}

// FileSystem returns the file system the loader was started from.
func (s *Services) FileSystem() (fs.FS, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	return s.bs.FileSystem()
}

// AllocatePages allocates pages of memory type m as selected by t.
func (s *Services) AllocatePages(t efi.AllocateType, m efi.MemoryType, pages, addr uint64) (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	return s.bs.AllocatePages(t, m, pages, addr)
}

// AllocatePool is the allocation context for buffers that only live until
// the handoff.
func (s *Services) AllocatePool(m efi.MemoryType, size int) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	return s.bs.AllocatePool(m, size)
}

// MemoryMap returns the current memory map without its key.
func (s *Services) MemoryMap() ([]*efi.MemoryDescriptor, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	m, _, err := s.bs.GetMemoryMap()

	return m, err
}

// Stall waits for d.
func (s *Services) Stall(d time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}

	s.bs.Stall(d)

	return nil
}

// Terminated is proof that boot services were exited. Only Exit creates
// valid values.
type Terminated struct {
	memType efi.MemoryType
	memMap  []*efi.MemoryDescriptor
	valid   bool
}

// Valid reports whether t was returned by a successful Exit.
func (t *Terminated) Valid() bool {
	return t != nil && t.valid
}

// MemoryType is the type boot services were exited with.
func (t *Terminated) MemoryType() efi.MemoryType {
	return t.memType
}

// MemoryMap is the memory map whose key was accepted by ExitBootServices.
func (t *Terminated) MemoryMap() []*efi.MemoryDescriptor {
	return t.memMap
}

// Exit terminates boot services. memType must be the memory type used for
// the kernel reservation. A stale map key is refreshed once, as the firmware
// may allocate between GetMemoryMap and ExitBootServices. Services are
// considered terminated after Exit returns, whether it failed or not: the
// firmware state is unknown and nothing may call into it again.
func (s *Services) Exit(memType efi.MemoryType) (*Terminated, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	defer func() { s.state = ServicesTerminated }()

	memMap, key, err := s.bs.GetMemoryMap()
	if err != nil {
		return nil, fmt.Errorf("GetMemoryMap: %w", err)
	}

	err = s.bs.ExitBootServices(key, memType)
	if errors.Is(err, efi.ErrInvalidParameter) {
		if memMap, key, err = s.bs.GetMemoryMap(); err != nil {
			return nil, fmt.Errorf("GetMemoryMap: %w", err)
		}

		err = s.bs.ExitBootServices(key, memType)
	}

	if err != nil {
		return nil, fmt.Errorf("ExitBootServices: %w", err)
	}

	return &Terminated{memType: memType, memMap: memMap, valid: true}, nil
}
