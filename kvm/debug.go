package kvm

import "unsafe"

const (
	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 1
)

// DebugControl is kvm_guest_debug for x86.
type DebugControl struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

// SingleStep turns single stepping of the vCPU on or off. While on, every
// instruction ends in an EXITDEBUG.
func SingleStep(vcpuFd uintptr, on bool) error {
	dc := &DebugControl{}
	if on {
		dc.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(DebugControl{})), uintptr(unsafe.Pointer(dc)))

	return err
}
