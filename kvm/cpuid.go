package kvm

import "unsafe"

const (
	CPUIDFuncPerMon = 0x0A
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001

	// CPUIDExtFeatures is the leaf whose EDX carries the long mode bit.
	CPUIDExtFeatures = 0x80000001
	CPUIDLongMode    = 1 << 29

	maxCPUIDEntries = 100
)

// CPUID is kvm_cpuid2 with room for maxCPUIDEntries entries.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type cpuidHeader struct {
	Nent    uint32
	Padding uint32
}

// GetSupportedCPUID fills ids with the entries KVM can expose.
func GetSupportedCPUID(kvmFd uintptr, ids *CPUID) error {
	ids.Nent = maxCPUIDEntries
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(ids)))

	return err
}

// SetCPUID2 sets the CPUID entries of a vCPU.
func SetCPUID2(vcpuFd uintptr, ids *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(ids)))

	return err
}

// Find returns the entry for function and index, or nil.
func (c *CPUID) Find(function, index uint32) *CPUIDEntry2 {
	for i := 0; i < int(c.Nent) && i < len(c.Entries); i++ {
		if c.Entries[i].Function == function && c.Entries[i].Index == index {
			return &c.Entries[i]
		}
	}

	return nil
}
