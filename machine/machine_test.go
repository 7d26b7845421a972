package machine_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/laskar-os/laskarboot/kvm"
	"github.com/laskar-os/laskarboot/machine"
	"github.com/laskar-os/laskarboot/memory"
)

func TestGdtEntry(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name       string
		flag       uint16
		base       uint32
		limit      uint32
		expEntry   uint64
		tableIndex uint8
		expSeg     kvm.Segment
	}{
		{
			name:     "Zero Entry",
			expEntry: 0,
			expSeg:   kvm.Segment{Unusable: 1},
		},
		{
			name:       "Code Segment Entry",
			flag:       0xa09b,
			limit:      0xfffff,
			expEntry:   0xaf9b000000ffff,
			tableIndex: 1,
			expSeg: kvm.Segment{
				Limit:    0xffffffff,
				Selector: 0x8,
				Typ:      0xb,
				Present:  1,
				S:        1,
				L:        1,
				G:        1,
			},
		},
		{
			name:       "Data Segment Entry",
			flag:       0xc093,
			limit:      0xfffff,
			expEntry:   0xcf93000000ffff,
			tableIndex: 2,
			expSeg: kvm.Segment{
				Limit:    0xffffffff,
				Selector: 0x10,
				Typ:      0x3,
				Present:  1,
				DB:       1,
				S:        1,
				G:        1,
			},
		},
		{
			name:       "TSS Segment Entry",
			flag:       0x008b,
			limit:      0x67,
			expEntry:   0x8b0000000067,
			tableIndex: 3,
			expSeg: kvm.Segment{
				Limit:    0x67,
				Selector: 0x18,
				Typ:      0xb,
				Present:  1,
			},
		},
		{
			name:     "Based Entry",
			flag:     0x0093,
			base:     0x12345678,
			limit:    0x1000,
			expEntry: 0x1200933456781000,
			expSeg: kvm.Segment{
				Base:    0x12345678,
				Limit:   0x1000,
				Typ:     0x3,
				Present: 1,
				S:       1,
			},
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := machine.GdtEntry(tt.flag, tt.base, tt.limit)
			if tt.expEntry != res {
				t.Fatalf("GdtEntry: got %#x, want %#x", res, tt.expEntry)
			}

			if seg := machine.SegmentFromGDT(tt.expEntry, tt.tableIndex); seg != tt.expSeg {
				t.Fatalf("SegmentFromGDT: got %+v, want %+v", seg, tt.expSeg)
			}
		})
	}
}

func TestCreateGDT(t *testing.T) {
	t.Parallel()

	gdt := machine.CreateGDT()
	want := []uint64{0, 0xaf9b000000ffff, 0xcf93000000ffff, 0x8b0000000067}

	if len(gdt) != len(want) {
		t.Fatalf("len: got %d, want %d", len(gdt), len(want))
	}

	for i := range want {
		if gdt[i] != want[i] {
			t.Errorf("gdt[%d]: got %#x, want %#x", i, gdt[i], want[i])
		}
	}
}

func TestIdentityMap(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	if err := machine.IdentityMap(mem); err != nil {
		t.Fatal(err)
	}

	read := func(addr uint64) uint64 {
		b := make([]byte, 8)
		if _, err := mem.ReadAt(b, int64(addr)); err != nil {
			t.Fatal(err)
		}

		return binary.LittleEndian.Uint64(b)
	}

	const present = machine.PDE64xPRESENT | machine.PDE64xRW

	if got := read(0x9000); got != 0xa000|present {
		t.Fatalf("PML4[0]: got %#x", got)
	}

	if got := read(0x9008); got != 0 {
		t.Fatalf("PML4[1]: got %#x, want 0", got)
	}

	for i := uint64(0); i < 4; i++ {
		if got := read(0xa000 + 8*i); got != (0xb000+0x1000*i)|present {
			t.Fatalf("PDPT[%d]: got %#x", i, got)
		}
	}

	for _, addr := range []uint64{0, 0x200000, 0xc0000000, 0xffe00000} {
		gib, idx := addr>>30, (addr>>21)&0x1ff

		got := read(0xb000 + 0x1000*gib + 8*idx)
		if got != addr|present|machine.PDE64xPS {
			t.Errorf("PDE for %#x: got %#x", addr, got)
		}
	}
}

func TestJump(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test, /dev/kvm: %v", err)
	}

	mem, err := memory.New(1 << 23)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	fb, err := mem.NewMemorySlot("framebuffer", 0xc0000000, 0x4000)
	if err != nil {
		t.Fatal(err)
	}

	fb.LogDirty = true

	code := []byte{
		0xb0, 0x41, // mov al, 'A'
		0x66, 0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xee,             // out dx, al
		0x48, 0x89, 0xf8, // mov rax, rdi
		0xee,                         // out dx, al
		0xbb, 0x00, 0x10, 0x00, 0xc0, // mov ebx, 0xc0001000
		0x88, 0x03, // mov [rbx], al
		0xf4, // hlt
	}

	if _, err := mem.WriteAt(code, 0x200000); err != nil {
		t.Fatal(err)
	}

	var (
		console  bytes.Buffer
		exitCode = -1
	)

	m, err := machine.New("/dev/kvm", mem, machine.Options{
		TraceCount: 3,
		Console:    &console,
		Exit:       func(c int) { exitCode = c },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.Jump(0x200000, 0x1042); err != nil {
		t.Fatal(err)
	}

	if exitCode != 0 {
		t.Fatalf("exit hook: got %d, want 0", exitCode)
	}

	if console.String() != "AB" {
		t.Fatalf("console: got %q, want %q", console.String(), "AB")
	}

	if fb.Buf[0x1000] != 'B' {
		t.Fatalf("framebuffer: got %#x, want 'B'", fb.Buf[0x1000])
	}

	if n, err := m.DirtyPages(fb); err != nil || n != 1 {
		t.Fatalf("DirtyPages: got (%d, %v), want 1 page", n, err)
	}

	if _, err := m.DirtyPages(mem.Slots[0]); err == nil {
		t.Fatal("DirtyPages of ram: got nil, want err")
	}

	if err := m.Jump(0x200000, 0); err == nil {
		t.Fatal("second Jump: got nil, want err")
	}
}

func TestPowerOff(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test, /dev/kvm: %v", err)
	}

	mem, err := memory.New(1 << 23)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	code := []byte{
		0xb0, 0x2a, // mov al, 0x2a
		0xe6, 0x80, // out 0x80, al
		0xb0, 0x34, // mov al, S5
		0x66, 0xba, 0x00, 0x06, // mov dx, 0x600
		0xee,       // out dx, al
		0xeb, 0xfe, // jmp $
	}

	if _, err := mem.WriteAt(code, 0x200000); err != nil {
		t.Fatal(err)
	}

	exitCode := -1

	m, err := machine.New("/dev/kvm", mem, machine.Options{
		Console: io.Discard,
		Exit:    func(c int) { exitCode = c },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.Jump(0x200000, 0); err != nil {
		t.Fatal(err)
	}

	if exitCode != 0 {
		t.Fatalf("exit hook: got %d, want 0", exitCode)
	}
}
