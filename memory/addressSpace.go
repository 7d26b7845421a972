package memory

import (
	"errors"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

var errAddrSpaceOutOfRange = errors.New("address space out of range")

// AddressSpace is a named physical range that tracks the sub ranges
// claimed inside it.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start uint64, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// End returns the first address past the range.
func (a *AddressSpace) End() uint64 {
	return a.Start + a.Size
}

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) {
		return errAddrSpaceOutOfRange
	}

	if !a.IsFree(addr) {
		return errAddrSpaceOccupied
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies entirely inside a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.End() <= a.End() && addr.End() >= addr.Start
}

// Overlaps reports whether a and b share at least one address.
func (a *AddressSpace) Overlaps(b *AddressSpace) bool {
	return a.Start < b.End() && b.Start < a.End()
}

// IsFree reports whether ad overlaps none of the claimed ranges.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if addr.Overlaps(ad) {
			return false
		}
	}

	return true
}

// Find returns the claimed range holding [addr, addr+n).
func (a *AddressSpace) Find(addr, n uint64) *AddressSpace {
	want := &AddressSpace{Start: addr, Size: n}

	for _, as := range a.Addresses {
		if as.InRange(want) {
			return as
		}
	}

	return nil
}
