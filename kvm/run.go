package kvm

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrUnexpectedExitReason is any exit the VMM does not handle.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrDebug is a debug exit, caused by single step or breakpoint.
	ErrDebug = errors.New("debug exit")
)

// ExitType is a vCPU exit reason.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitNames = [...]string{
	"EXITUNKNOWN",
	"EXITEXCEPTION",
	"EXITIO",
	"EXITHYPERCALL",
	"EXITDEBUG",
	"EXITHLT",
	"EXITMMIO",
	"EXITIRQWINDOWOPEN",
	"EXITSHUTDOWN",
	"EXITFAILENTRY",
	"EXITINTR",
	"EXITSETTPR",
	"EXITTPRACCESS",
	"EXITS390SIEIC",
	"EXITS390RESET",
	"EXITDCR",
	"EXITNMI",
	"EXITINTERNALERROR",
}

func (e ExitType) String() string {
	if int(e) < len(exitNames) {
		return exitNames[e]
	}

	return fmt.Sprintf("ExitType(%d)", uint32(e))
}

// RunData is the head of the kvm_run area shared with a vCPU.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// NewRunData views the mmap'd kvm_run area of a vCPU.
func NewRunData(b []byte) (*RunData, error) {
	if len(b) < int(unsafe.Sizeof(RunData{})) {
		return nil, fmt.Errorf("kvm_run area too small: %d bytes", len(b))
	}

	return (*RunData)(unsafe.Pointer(&b[0])), nil
}

// Exit returns the exit reason.
func (r *RunData) Exit() ExitType {
	return ExitType(r.ExitReason)
}

// IO decodes an EXITIO: direction, access size, port, repeat count and the
// offset of the data in the kvm_run area.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// Debug decodes an EXITDEBUG: the exception vector and the guest PC.
func (r *RunData) Debug() (uint32, uint64) {
	return uint32(r.Data[0]), r.Data[1]
}
