package stage_test

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/laskar-os/laskarboot/alloc"
	"github.com/laskar-os/laskarboot/display"
	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/firmware"
	"github.com/laskar-os/laskarboot/lifecycle"
	"github.com/laskar-os/laskarboot/memory"
	"github.com/laskar-os/laskarboot/stage"
)

var errHalt = errors.New("halted")

type recordingCPU struct {
	mem   *memory.Memory
	fw    *firmware.Firmware
	entry uint64
	arg   uint64
	seen  display.Descriptor
	jumps int
	exitd bool
}

func (c *recordingCPU) Jump(entry, arg uint64) error {
	c.jumps++
	c.entry, c.arg = entry, arg
	c.exitd = c.fw.Exited()

	b := make([]byte, display.Size)
	if _, err := c.mem.ReadAt(b, int64(arg)); err != nil {
		return err
	}

	if err := c.seen.UnmarshalBinary(b); err != nil {
		return err
	}

	return errHalt
}

type machine struct {
	mem *memory.Memory
	fw  *firmware.Firmware
	svc *lifecycle.Services
	cpu *recordingCPU
}

func newMachine(t *testing.T, c firmware.Config) *machine {
	t.Helper()

	mem, err := memory.New(1 << 25)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mem.Close() })

	fw, err := firmware.New(mem, c)
	if err != nil {
		t.Fatal(err)
	}

	return &machine{
		mem: mem,
		fw:  fw,
		svc: lifecycle.New(fw),
		cpu: &recordingCPU{mem: mem, fw: fw},
	}
}

func kernel(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}

	return b
}

func config(img []byte) firmware.Config {
	return firmware.Config{
		Width:  640,
		Height: 480,
		Format: efi.PixelRedGreenBlueReserved8BitPerColor,
		ESP:    fstest.MapFS{"kernel.bin": {Data: img}},
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	img := kernel(8192)
	m := newMachine(t, config(img))

	// the kernel may find what the firmware drew
	copy(m.fw.Framebuffer().Buf, "splash")

	err := stage.Run(stage.DefaultConfig(), m.svc, m.mem, m.cpu)
	if !errors.Is(err, errHalt) {
		t.Fatalf("got %v, want the CPU error", err)
	}

	if m.cpu.jumps != 1 || m.cpu.entry != stage.DefaultBase {
		t.Fatalf("jump: got %d x %#x, want 1 x %#x", m.cpu.jumps, m.cpu.entry, stage.DefaultBase)
	}

	if !m.cpu.exitd {
		t.Fatal("jumped before boot services were exited")
	}

	if m.svc.State() != lifecycle.ServicesTerminated {
		t.Fatalf("state: got %v", m.svc.State())
	}

	want := display.New(640, 480, 2560, firmware.FramebufferBase, display.RGB)
	if m.cpu.seen != want {
		t.Fatalf("descriptor: got %v, want %v", m.cpu.seen, want)
	}

	got := make([]byte, len(img))
	if _, err := m.mem.ReadAt(got, stage.DefaultBase); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, img) {
		t.Fatal("kernel bytes at the base address differ from the file")
	}

	if !bytes.HasPrefix(m.fw.Framebuffer().Buf, []byte("splash")) {
		t.Fatal("framebuffer changed across the handoff")
	}

	final, _ := m.fw.FinalMemoryMap()

	var kernelRange, argRange *efi.MemoryDescriptor

	for _, d := range final {
		switch {
		case d.PhysicalStart == stage.DefaultBase:
			kernelRange = d
		case d.PhysicalStart <= m.cpu.arg && m.cpu.arg < d.PhysicalEnd():
			argRange = d
		}
	}

	if kernelRange == nil || kernelRange.Type != efi.LoaderCode || kernelRange.NumberOfPages != 2 {
		t.Fatalf("kernel range in the final map: got %v, want 2 pages of LoaderCode", kernelRange)
	}

	if argRange == nil || argRange.Type != efi.LoaderData {
		t.Fatalf("descriptor range in the final map: got %v, want LoaderData", argRange)
	}
}

func TestRunOddSize(t *testing.T) {
	t.Parallel()

	img := kernel(efi.PageSize + 1)
	m := newMachine(t, config(img))

	if err := stage.Run(stage.DefaultConfig(), m.svc, m.mem, m.cpu); !errors.Is(err, errHalt) {
		t.Fatalf("got %v, want the CPU error", err)
	}

	final, _ := m.fw.FinalMemoryMap()

	for _, d := range final {
		if d.PhysicalStart == stage.DefaultBase && d.NumberOfPages != 2 {
			t.Fatalf("pages: got %d, want 2", d.NumberOfPages)
		}
	}
}

func TestRunLargeKernel(t *testing.T) {
	t.Parallel()

	// bigger than the gap between 1 MiB and the base
	img := kernel(1<<20 + 1)
	m := newMachine(t, config(img))

	if err := stage.Run(stage.DefaultConfig(), m.svc, m.mem, m.cpu); !errors.Is(err, errHalt) {
		t.Fatalf("got %v, want the CPU error", err)
	}

	if m.cpu.jumps != 1 || m.cpu.entry != stage.DefaultBase {
		t.Fatalf("jump: got %d x %#x, want 1 x %#x", m.cpu.jumps, m.cpu.entry, stage.DefaultBase)
	}

	got := make([]byte, len(img))
	if _, err := m.mem.ReadAt(got, stage.DefaultBase); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, img) {
		t.Fatal("kernel bytes at the base address differ from the file")
	}

	final, _ := m.fw.FinalMemoryMap()

	for _, d := range final {
		if d.PhysicalStart == stage.DefaultBase && (d.Type != efi.LoaderCode || d.NumberOfPages != 257) {
			t.Fatalf("kernel range: got %v, want 257 pages of LoaderCode", d)
		}
	}
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name  string
		setup func(*firmware.Config)
		pre   func(*testing.T, *firmware.Firmware)
		want  error
	}{
		{
			name:  "no graphics",
			setup: func(c *firmware.Config) { c.NoGraphics = true },
			want:  display.ErrNoGraphics,
		},
		{
			name:  "no kernel",
			setup: func(c *firmware.Config) { c.ESP = fstest.MapFS{} },
			want:  fs.ErrNotExist,
		},
		{
			name:  "empty kernel",
			setup: func(c *firmware.Config) { c.ESP = fstest.MapFS{"kernel.bin": {}} },
			want:  alloc.ErrEmptyImage,
		},
		{
			name: "base taken",
			pre: func(t *testing.T, fw *firmware.Firmware) {
				t.Helper()

				if _, err := fw.AllocatePages(efi.AllocateAddress, efi.LoaderData, 1, stage.DefaultBase); err != nil {
					t.Fatal(err)
				}
			},
			want: alloc.ErrUnavailable,
		},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := config(kernel(8192))
			if tt.setup != nil {
				tt.setup(&c)
			}

			m := newMachine(t, c)
			if tt.pre != nil {
				tt.pre(t, m.fw)
			}

			err := stage.Run(stage.DefaultConfig(), m.svc, m.mem, m.cpu)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}

			if m.cpu.jumps != 0 {
				t.Fatal("jumped after a failure")
			}

			if m.fw.Exited() || m.svc.State() != lifecycle.Active {
				t.Fatal("boot services exited after a failure")
			}
		})
	}
}
