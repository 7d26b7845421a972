// Package kvm is a thin wrapper around the /dev/kvm ioctl interface, covering
// what a single vCPU long mode guest needs.
package kvm

import "unsafe"

const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmGetDirtyLog         = 0x42
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmSetCPUID2           = 0x90
	kvmSetGuestDebug       = 0x9B

	// APIVersion is the only stable KVM API version.
	APIVersion = 12

	// TSSAddr and IdentityMapAddr sit in the top of the 32-bit space,
	// away from RAM and the framebuffer.
	TSSAddr         = 0xfffbd000
	IdentityMapAddr = 0xfffbc000
)

// GetAPIVersion returns the KVM API version.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CheckExtension returns a positive value when the capability is supported.
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))
}

// GetVCPUMMmapSize returns the size of the shared kvm_run area.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// CreateVCPU creates vCPU id in the VM.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// SetTSSAddr places the three pages Intel VMX needs for real mode emulation.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), TSSAddr)

	return err
}

// SetIdentityMapAddr places the identity map page Intel VMX needs.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(IdentityMapAddr)
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// Run runs the vCPU until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}
