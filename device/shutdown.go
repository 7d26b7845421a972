package device

import "log"

// ShutdownPort is the sleep control port of the Cloud Hypervisor ACPI
// layout, see
// https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h
const ShutdownPort = uint64(0x600)

const (
	s5SleepVal       = 5
	sleepValBit      = 2
	sleepStatusENBit = 5

	// S5 is the byte a kernel writes to power off.
	S5 = s5SleepVal<<sleepValBit | 1<<sleepStatusENBit
)

// ShutdownDevice lets a kernel power the machine off instead of halting.
type ShutdownDevice struct {
	off bool
}

func (s *ShutdownDevice) Read(port uint64, data []byte) error {
	data[0] = 0

	return nil
}

func (s *ShutdownDevice) Write(port uint64, data []byte) error {
	if len(data) < 1 {
		return errDataLenInvalid
	}

	if data[0] == S5 {
		log.Println("ACPI shutdown signalled")

		s.off = true
	}

	return nil
}

// Off reports whether the kernel asked for a power off.
func (s *ShutdownDevice) Off() bool {
	return s.off
}

func (s *ShutdownDevice) IOPort() uint64 {
	return ShutdownPort
}

func (s *ShutdownDevice) Size() uint64 {
	return 0x8
}
