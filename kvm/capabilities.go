package kvm

import "fmt"

// Capability is a KVM_CAP_* extension number.
type Capability uint

const (
	CapIRQChip             Capability = 0
	CapHLT                 Capability = 1
	CapUserMemory          Capability = 3
	CapSetTSSAddr          Capability = 4
	CapEXTCPUID            Capability = 7
	CapNRVCPUs             Capability = 9
	CapNRMemSlots          Capability = 10
	CapMPState             Capability = 14
	CapSyncMMU             Capability = 16
	CapSetGuestDebug       Capability = 23
	CapSetIdentityMapAddr  Capability = 37
	CapDebugRegs           Capability = 50
	CapX86RobustSingleStep Capability = 51
	CapImmediateExit       Capability = 136
)

var capabilityNames = map[Capability]string{
	CapIRQChip:             "CapIRQChip",
	CapHLT:                 "CapHLT",
	CapUserMemory:          "CapUserMemory",
	CapSetTSSAddr:          "CapSetTSSAddr",
	CapEXTCPUID:            "CapEXTCPUID",
	CapNRVCPUs:             "CapNRVCPUs",
	CapNRMemSlots:          "CapNRMemSlots",
	CapMPState:             "CapMPState",
	CapSyncMMU:             "CapSyncMMU",
	CapSetGuestDebug:       "CapSetGuestDebug",
	CapSetIdentityMapAddr:  "CapSetIdentityMapAddr",
	CapDebugRegs:           "CapDebugRegs",
	CapX86RobustSingleStep: "CapX86RobustSingleStep",
	CapImmediateExit:       "CapImmediateExit",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// Required lists the capabilities the machine cannot boot without.
var Required = []Capability{
	CapUserMemory,
	CapSetTSSAddr,
	CapEXTCPUID,
	CapSetIdentityMapAddr,
}

// Optional lists capabilities that enable extra features, such as tracing.
var Optional = []Capability{
	CapSetGuestDebug,
	CapX86RobustSingleStep,
	CapNRMemSlots,
	CapImmediateExit,
}
