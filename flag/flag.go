// Package flag is the command line of laskarboot.
package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/stage"
	"github.com/laskar-os/laskarboot/vmm"
)

var errPixelFormat = errors.New("unknown pixel format")

type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot a kernel from an EFI system partition directory"`
	Probe ProbeCMD `cmd:"" help:"Probe KVM capabilities"`
}

type BootCMD struct {
	Dev     string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	ESP     string `short:"e" default:"./esp" help:"directory served as the EFI system partition"`
	Kernel  string `short:"k" help:"kernel path inside the ESP, kernel.bin at its root when empty"`
	Base    string `short:"b" default:"0x200000" help:"physical address the kernel is linked at"`
	MemSize string `short:"m" default:"1G" help:"memory size: as number[gGmM], optional units, defaults to G"`

	Width  uint32 `default:"1024" help:"framebuffer width in pixels"`
	Height uint32 `default:"768" help:"framebuffer height in pixels"`
	Format string `default:"bgr" enum:"rgb,bgr,bitmask,blt" help:"pixel format (rgb, bgr, bitmask, blt)"`
	NoGOP  bool   `name:"no-gop" help:"boot without a graphics output protocol"`

	Stall      time.Duration `default:"0s" help:"wait before exiting boot services"`
	TraceCount string        `short:"T" default:"0" help:"how many instructions to trace after the jump -- 0 means tracing disabled"`
	Profile    string        `default:"none" enum:"none,cpu,mem" help:"write a cpu or mem profile of the VMM (none, cpu, mem)"`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseAddr parses a page aligned physical address in any base.
func ParseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}

	if addr%efi.PageSize != 0 {
		return 0, fmt.Errorf("%#x is not page aligned:%w", addr, strconv.ErrSyntax)
	}

	return addr, nil
}

// ParsePixelFormat maps a --format value to the firmware pixel format.
func ParsePixelFormat(s string) (efi.PixelFormat, error) {
	switch strings.ToLower(s) {
	case "rgb":
		return efi.PixelRedGreenBlueReserved8BitPerColor, nil
	case "bgr":
		return efi.PixelBlueGreenRedReserved8BitPerColor, nil
	case "bitmask":
		return efi.PixelBitMask, nil
	case "blt":
		return efi.PixelBltOnly, nil
	}

	return efi.PixelFormatMax, fmt.Errorf("%w: %q", errPixelFormat, s)
}

// Config converts the command line into a vmm.Config.
func (s *BootCMD) Config() (vmm.Config, error) {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return vmm.Config{}, err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return vmm.Config{}, err
	}

	base, err := ParseAddr(s.Base)
	if err != nil {
		return vmm.Config{}, err
	}

	format, err := ParsePixelFormat(s.Format)
	if err != nil {
		return vmm.Config{}, err
	}

	kernel := s.Kernel
	if kernel == "" {
		kernel = stage.DefaultKernelPath
	}

	return vmm.Config{
		Dev:        s.Dev,
		ESP:        s.ESP,
		Kernel:     kernel,
		Base:       base,
		MemSize:    memSize,
		Width:      s.Width,
		Height:     s.Height,
		Format:     format,
		NoGraphics: s.NoGOP,
		Stall:      s.Stall,
		TraceCount: traceC,
	}, nil
}
