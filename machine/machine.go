// Package machine runs a kernel on one KVM vCPU in 64-bit long mode. It is
// the CPU the handoff jumps on: Jump loads the entry point and argument into
// the vCPU and runs it until the kernel halts.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/bits"
	"os"
	"runtime"

	"github.com/laskar-os/laskarboot/device"
	"github.com/laskar-os/laskarboot/kvm"
	"github.com/laskar-os/laskarboot/memory"
	"github.com/laskar-os/laskarboot/serial"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	errAPIVersion  = errors.New("unsupported KVM API version")
	errNoLongMode  = errors.New("long mode not supported by KVM")
	errJumpedTwice = errors.New("vCPU already started")
	errNoDirtyLog  = errors.New("slot has no dirty log")
)

// Options configure a machine.
type Options struct {
	// TraceCount is the number of instructions logged after the jump.
	TraceCount int

	// Console receives COM1 output. Default os.Stdout.
	Console io.Writer

	// Exit is called with 0 when the kernel halts. Default os.Exit.
	Exit func(code int)
}

type ioportHandler func(m *Machine, port uint64, bytes []byte) error

type Machine struct {
	dev          *os.File
	vmFd, vcpuFd uintptr
	runBuf       []byte
	run          *kvm.RunData
	mem          *memory.Memory
	serial       *serial.Serial
	shutdown     *device.ShutdownDevice
	devices      []device.IODevice

	// dirty accumulates the written pages of LogDirty slots.
	dirty map[uint32][]uint64

	traceCount int
	console    io.Writer
	exit       func(int)
	started    bool

	ioportHandlers [0x10000][2]ioportHandler
}

// New creates a VM with one vCPU over every slot of mem.
func New(dev string, mem *memory.Memory, opts Options) (*Machine, error) {
	m := &Machine{
		mem:        mem,
		serial:     serial.New(),
		shutdown:   &device.ShutdownDevice{},
		dirty:      map[uint32][]uint64{},
		traceCount: opts.TraceCount,
		console:    opts.Console,
		exit:       opts.Exit,
	}

	m.devices = []device.IODevice{&device.PostCodeDevice{}, m.shutdown}

	if m.console == nil {
		m.console = os.Stdout
	}

	if m.exit == nil {
		m.exit = os.Exit
	}

	devKVM, err := os.OpenFile(dev, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev, err)
	}

	m.dev = devKVM

	if err := m.init(); err != nil {
		m.Close()

		return nil, err
	}

	m.initIOPortHandlers()

	return m, nil
}

func (m *Machine) init() error {
	kvmFd := m.dev.Fd()

	v, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		return fmt.Errorf("GetAPIVersion: %w", err)
	}

	if v != kvm.APIVersion {
		return fmt.Errorf("%w: %d", errAPIVersion, v)
	}

	if m.vmFd, err = kvm.CreateVM(kvmFd); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	for _, s := range m.mem.Slots {
		region := &kvm.UserspaceMemoryRegion{
			Slot:          s.Slot,
			GuestPhysAddr: s.Addr,
			MemorySize:    uint64(len(s.Buf)),
			UserspaceAddr: s.UserspaceAddr(),
		}

		if s.LogDirty {
			region.SetMemLogDirtyPages()

			pages := (len(s.Buf) + pageSize - 1) / pageSize
			m.dirty[s.Slot] = make([]uint64, (pages+63)/64)
		}

		if err := kvm.SetUserMemoryRegion(m.vmFd, region); err != nil {
			return fmt.Errorf("SetUserMemoryRegion %s: %w", s.Name, err)
		}
	}

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return fmt.Errorf("CreateVCPU: %w", err)
	}

	if err := m.initCPUID(kvmFd); err != nil {
		return err
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	m.runBuf, err = unix.Mmap(int(m.vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap kvm_run: %w", err)
	}

	m.run, err = kvm.NewRunData(m.runBuf)

	return err
}

func (m *Machine) initCPUID(kvmFd uintptr) error {
	ids := &kvm.CPUID{}

	if err := kvm.GetSupportedCPUID(kvmFd, ids); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	if e := ids.Find(kvm.CPUIDExtFeatures, 0); e == nil || e.Edx&kvm.CPUIDLongMode == 0 {
		return errNoLongMode
	}

	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
	for i := 0; i < int(ids.Nent); i++ {
		switch ids.Entries[i].Function {
		case kvm.CPUIDFuncPerMon:
			ids.Entries[i].Eax = 0 // disable
		case kvm.CPUIDSignature:
			ids.Entries[i].Eax = kvm.CPUIDFeatures
			ids.Entries[i].Ebx = 0x4b4d564b // KVMK
			ids.Entries[i].Ecx = 0x564b4d56 // VMKV
			ids.Entries[i].Edx = 0x4d       // M
		}
	}

	if err := kvm.SetCPUID2(m.vcpuFd, ids); err != nil {
		return fmt.Errorf("SetCPUID2: %w", err)
	}

	return nil
}

// Jump starts the vCPU at entry in long mode with arg in RDI. It returns
// only if the vCPU could not be started or the kernel stopped abnormally;
// when the kernel halts or powers off the exit hook is called.
func (m *Machine) Jump(entry, arg uint64) error {
	if m.started {
		return errJumpedTwice
	}

	m.started = true

	if err := m.setupLongMode(); err != nil {
		return err
	}

	if err := m.setupRegs(entry, arg); err != nil {
		return err
	}

	if m.traceCount > 0 {
		if err := kvm.SingleStep(m.vcpuFd, true); err != nil {
			return fmt.Errorf("SingleStep: %w", err)
		}
	}

	var g errgroup.Group

	g.Go(func() error {
		defer m.serial.Close()

		return m.RunInfiniteLoop()
	})

	g.Go(func() error {
		return m.serial.Pump(m.console)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if m.shutdown.Off() {
		log.Printf("Kernel powered off")
	} else {
		log.Printf("Kernel halted")
	}

	m.reportDirty()

	m.exit(0)

	return nil
}

func (m *Machine) setupLongMode() error {
	if err := IdentityMap(m.mem); err != nil {
		return fmt.Errorf("page tables: %w", err)
	}

	gdt := CreateGDT()
	if err := writeGDT(m.mem, gdt); err != nil {
		return fmt.Errorf("GDT: %w", err)
	}

	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	code := SegmentFromGDT(gdt[1], 1)
	data := SegmentFromGDT(gdt[2], 2)

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.TR = SegmentFromGDT(gdt[3], 3)
	sregs.GDT.Base, sregs.GDT.Limit = gdtAddr, uint16(8*len(gdt)-1)

	sregs.CR3 = pml4Addr
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA

	if err := kvm.SetSregs(m.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: %w", err)
	}

	return nil
}

func (m *Machine) setupRegs(entry, arg uint64) error {
	regs := &kvm.Regs{
		RIP:    entry,
		RDI:    arg,
		RSP:    stackTop,
		RFLAGS: 2,
	}

	if err := kvm.SetRegs(m.vcpuFd, regs); err != nil {
		return fmt.Errorf("SetRegs: %w", err)
	}

	return nil
}

// RunInfiniteLoop runs the vCPU until the kernel halts.
func (m *Machine) RunInfiniteLoop() error {
	// vcpu ioctls should be issued from the same thread, see
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		isContinue, err := m.RunOnce()
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

// RunOnce runs the vCPU until the next exit and handles it.
func (m *Machine) RunOnce() (bool, error) {
	if err := kvm.Run(m.vcpuFd); err != nil {
		return false, fmt.Errorf("Run: %w", err)
	}

	switch exit := m.run.Exit(); exit {
	case kvm.EXITHLT:
		return false, nil
	case kvm.EXITIO:
		direction, size, port, count, offset := m.run.IO()
		f := m.ioportHandlers[port][direction]
		bytes := m.runBuf[offset : offset+size]

		for i := 0; i < int(count); i++ {
			if err := f(m, port, bytes); err != nil {
				return false, err
			}
		}

		return !m.shutdown.Off(), nil
	case kvm.EXITDEBUG:
		return true, m.step()
	case kvm.EXITUNKNOWN, kvm.EXITINTR:
		// When a signal is sent to the thread hosting the VM it will result in EINTR
		// refs https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
		return true, nil
	default:
		r, err := kvm.GetRegs(m.vcpuFd)
		if err != nil {
			return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit)
		}

		return false, fmt.Errorf("%w: %s: %s", kvm.ErrUnexpectedExitReason, exit, show(r))
	}
}

// step logs one single stepped instruction and stops stepping once
// traceCount instructions were shown.
func (m *Machine) step() error {
	if m.traceCount <= 0 {
		return nil
	}

	if _, r, s, err := m.Inst(); err != nil {
		log.Printf("trace: %v", err)
	} else {
		log.Printf("%#x: %s", r.RIP, s)
	}

	m.traceCount--
	if m.traceCount == 0 {
		if err := kvm.SingleStep(m.vcpuFd, false); err != nil {
			return fmt.Errorf("SingleStep: %w", err)
		}
	}

	return nil
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(m *Machine, port uint64, bytes []byte) error {
		return nil
	}

	// nothing is emulated on most ports; reads see zeros
	for port := 0; port < 0x10000; port++ {
		for dir := kvm.EXITIOIN; dir <= kvm.EXITIOOUT; dir++ {
			m.ioportHandlers[port][dir] = funcNone
		}
	}

	// PS/2 Keyboard (Always 8042 Chip)
	for port := 0x60; port <= 0x6f; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			// refs:
			// https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/hw/i8042.c#L312
			// https://wiki.osdev.org/%228042%22_PS/2_Controller
			bytes[0] = 0x20

			return nil
		}
	}

	// Serial port 1
	for port := serial.COM1Addr; port < serial.COM1Addr+8; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			return m.serial.In(port, bytes)
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
			return m.serial.Out(port, bytes)
		}
	}

	for _, d := range m.devices {
		d := d

		for port := d.IOPort(); port < d.IOPort()+d.Size(); port++ {
			m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
				return d.Read(port, bytes)
			}
			m.ioportHandlers[port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
				return d.Write(port, bytes)
			}
		}
	}
}

// DirtyPages returns how many pages of s the guest has written since the
// machine was created. s must have been created with LogDirty set.
func (m *Machine) DirtyPages(s *memory.MemorySlot) (int, error) {
	acc, ok := m.dirty[s.Slot]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errNoDirtyLog, s.Name)
	}

	bitmap := make([]uint64, len(acc))
	if err := kvm.GetDirtyLog(m.vmFd, s.Slot, bitmap); err != nil {
		return 0, fmt.Errorf("GetDirtyLog %s: %w", s.Name, err)
	}

	n := 0

	for i := range acc {
		acc[i] |= bitmap[i]
		n += bits.OnesCount64(acc[i])
	}

	return n, nil
}

func (m *Machine) reportDirty() {
	for _, s := range m.mem.Slots {
		if !s.LogDirty {
			continue
		}

		n, err := m.DirtyPages(s)
		if err != nil {
			log.Printf("%s: %v", s.Name, err)

			continue
		}

		log.Printf("%s: %d pages written", s.Name, n)
	}
}

// Close releases the vCPU, the VM and the device.
func (m *Machine) Close() error {
	var errs []error

	if m.runBuf != nil {
		errs = append(errs, unix.Munmap(m.runBuf))
		m.runBuf, m.run = nil, nil
	}

	for _, fd := range []uintptr{m.vcpuFd, m.vmFd} {
		if fd != 0 {
			errs = append(errs, unix.Close(int(fd)))
		}
	}

	m.vcpuFd, m.vmFd = 0, 0

	if m.dev != nil {
		errs = append(errs, m.dev.Close())
		m.dev = nil
	}

	return errors.Join(errs...)
}
