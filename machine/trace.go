package machine

import (
	"fmt"

	"github.com/laskar-os/laskarboot/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// Inst retrieves the instruction at RIP. Paging is an identity map, so RIP
// is a physical address. It returns the decoded instruction, the registers
// and the instruction in GNU syntax.
func (m *Machine) Inst() (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:GetRegs:%w", err)
	}

	insn, err := m.fetch(r.RIP)
	if err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", r.RIP, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, r, Asm(&d, r.RIP), nil
}

// fetch reads up to 16 bytes at pc, fewer at the end of a memory slot.
func (m *Machine) fetch(pc uint64) ([]byte, error) {
	for n := 16; n > 0; n-- {
		b, err := m.mem.Slice(pc, n)
		if err == nil {
			return append([]byte(nil), b...), nil
		}
	}

	return nil, fmt.Errorf("%#x is not in memory", pc)
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

func show(r *kvm.Regs) string {
	return fmt.Sprintf("rip %#x rsp %#x rax %#x rdi %#x", r.RIP, r.RSP, r.RAX, r.RDI)
}
