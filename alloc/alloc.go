// Package alloc reserves physical memory at fixed addresses and places the
// kernel image there.
package alloc

import (
	"errors"
	"fmt"
	"io"

	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/lifecycle"
	"github.com/laskar-os/laskarboot/loader"
)

const PageSize = efi.PageSize

var (
	// ErrUnavailable means the requested range could not be reserved.
	ErrUnavailable = errors.New("physical range unavailable")

	// ErrAddressMismatch means the firmware reserved a different range
	// than the one requested. The kernel cannot be relocated, so this is
	// never accepted.
	ErrAddressMismatch = errors.New("firmware returned a different address")

	ErrUnaligned  = errors.New("address is not page aligned")
	ErrEmptyImage = errors.New("empty image")
	ErrTooLarge   = errors.New("image larger than reservation")
)

// PageCount returns the number of pages needed to hold n bytes.
func PageCount(n uint64) uint64 {
	return (n + PageSize - 1) / PageSize
}

// Reservation is an exclusive claim on a physical range.
type Reservation struct {
	Base  uint64
	Pages uint64
	Type  efi.MemoryType
}

// Size returns the reservation size in bytes.
func (r *Reservation) Size() uint64 {
	return r.Pages * PageSize
}

func (r *Reservation) String() string {
	return fmt.Sprintf("%d pages at %#x (%s)", r.Pages, r.Base, r.Type)
}

// Reserve claims enough pages at base to hold length bytes. It either
// returns a reservation starting at base or fails.
func Reserve(svc *lifecycle.Services, base, length uint64, memType efi.MemoryType) (*Reservation, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("%#x: %w", base, ErrUnaligned)
	}

	pages := PageCount(length)
	if pages == 0 {
		return nil, ErrEmptyImage
	}

	addr, err := svc.AllocatePages(efi.AllocateAddress, memType, pages, base)
	if errors.Is(err, lifecycle.ErrServicesTerminated) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %d pages at %#x: %w", ErrUnavailable, pages, base, err)
	}

	if addr != base {
		return nil, fmt.Errorf("%w: requested %#x, got %#x", ErrAddressMismatch, base, addr)
	}

	return &Reservation{Base: base, Pages: pages, Type: memType}, nil
}

// ReserveAny claims pages wherever the firmware has room.
func ReserveAny(svc *lifecycle.Services, pages uint64, memType efi.MemoryType) (*Reservation, error) {
	addr, err := svc.AllocatePages(efi.AllocateAnyPages, memType, pages, 0)
	if err != nil {
		return nil, fmt.Errorf("AllocatePages(%d): %w", pages, err)
	}

	return &Reservation{Base: addr, Pages: pages, Type: memType}, nil
}

// Place copies img verbatim to the start of res.
func Place(mem io.WriterAt, res *Reservation, img *loader.Image) error {
	if uint64(img.Len()) > res.Size() {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, img.Len(), res.Size())
	}

	n, err := mem.WriteAt(img.Bytes(), int64(res.Base))
	if err != nil {
		return fmt.Errorf("write at %#x: %w", res.Base, err)
	}

	if n != img.Len() {
		return fmt.Errorf("write at %#x: %w", res.Base, io.ErrShortWrite)
	}

	return nil
}
