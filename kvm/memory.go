package kvm

import "unsafe"

const memLogDirtyPages = 1 << 0

// UserspaceMemoryRegion maps host memory into guest physical memory.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages asks KVM to track writes to the region. The bitmap
// is fetched with GetDirtyLog.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// SetUserMemoryRegion adds or replaces a memory slot of the VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// DirtyLog is struct kvm_dirty_log.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	Bitmap uint64
}

// GetDirtyLog fills bitmap with one bit per page of slot written since the
// previous call. KVM clears the log as it is read. bitmap must hold a bit
// for every page of the slot.
func GetDirtyLog(vmFd uintptr, slot uint32, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}

	d := &DirtyLog{
		Slot:   slot,
		Bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}

	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})), uintptr(unsafe.Pointer(d)))

	return err
}
