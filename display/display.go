// Package display builds the display descriptor handed to the kernel.
//
// The descriptor is part of the kernel ABI. Its encoding is, in order and
// little endian:
//
//	offset  size  field
//	0x00    8     width in pixels
//	0x08    8     height in pixels
//	0x10    8     pitch in bytes per scanline
//	0x18    8     framebuffer physical base address
//	0x20    4     pixel format (0 RGB, 1 BGR, 2 bitmask, 3 blt only)
//	0x24    4     zero padding
//
// for a total of Size bytes with 8 byte alignment.
package display

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/lifecycle"
)

// PixelFormat is the closed set of formats a descriptor can carry.
type PixelFormat uint32

const (
	RGB     PixelFormat = PixelFormat(efi.PixelRedGreenBlueReserved8BitPerColor)
	BGR     PixelFormat = PixelFormat(efi.PixelBlueGreenRedReserved8BitPerColor)
	Bitmask PixelFormat = PixelFormat(efi.PixelBitMask)
	BltOnly PixelFormat = PixelFormat(efi.PixelBltOnly)
)

func (p PixelFormat) String() string {
	return efi.PixelFormat(p).String()
}

// Size is the encoded size of a Descriptor.
const Size = 40

var (
	// ErrNoGraphics means the firmware exposes no graphics output. There
	// is no text mode fallback.
	ErrNoGraphics = errors.New("no graphics output protocol")

	ErrPixelFormat = errors.New("unknown pixel format")
)

// Descriptor describes the active graphics mode. The framebuffer is not
// owned by the loader; its mapping is left untouched across the handoff.
type Descriptor struct {
	width       uint64
	height      uint64
	pitch       uint64
	framebuffer uint64
	format      PixelFormat
}

// New returns a descriptor with the given fields.
func New(width, height, pitch, framebuffer uint64, format PixelFormat) Descriptor {
	return Descriptor{
		width:       width,
		height:      height,
		pitch:       pitch,
		framebuffer: framebuffer,
		format:      format,
	}
}

func (d Descriptor) Width() uint64       { return d.width }
func (d Descriptor) Height() uint64      { return d.height }
func (d Descriptor) Pitch() uint64       { return d.pitch }
func (d Descriptor) Framebuffer() uint64 { return d.framebuffer }
func (d Descriptor) Format() PixelFormat { return d.format }

func (d Descriptor) String() string {
	return fmt.Sprintf("%dx%d pitch %d fb %#x %s", d.width, d.height, d.pitch, d.framebuffer, d.format)
}

// wire is the kernel visible layout.
type wire struct {
	Width       uint64
	Height      uint64
	Pitch       uint64
	Framebuffer uint64
	Format      uint32
	_           uint32
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	w := wire{
		Width:       d.width,
		Height:      d.height,
		Pitch:       d.pitch,
		Framebuffer: d.framebuffer,
		Format:      uint32(d.format),
	}

	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (d *Descriptor) UnmarshalBinary(data []byte) error {
	w := wire{}

	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &w); err != nil {
		return err
	}

	if w.Format > uint32(BltOnly) {
		return fmt.Errorf("%w: %d", ErrPixelFormat, w.Format)
	}

	*d = New(w.Width, w.Height, w.Pitch, w.Framebuffer, PixelFormat(w.Format))

	return nil
}

// Acquire queries the current graphics mode.
func Acquire(svc *lifecycle.Services) (Descriptor, error) {
	gop, err := svc.LocateGraphicsOutput()
	if err != nil {
		if errors.Is(err, lifecycle.ErrServicesTerminated) {
			return Descriptor{}, err
		}

		return Descriptor{}, fmt.Errorf("%w: %w", ErrNoGraphics, err)
	}

	mode, err := gop.CurrentMode()
	if err != nil {
		return Descriptor{}, fmt.Errorf("current mode: %w", err)
	}

	return FromMode(mode)
}

// FromMode converts a GOP mode to a descriptor.
func FromMode(mode *efi.ProtocolMode) (Descriptor, error) {
	info := &mode.Info

	if info.PixelFormat >= efi.PixelFormatMax {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrPixelFormat, info.PixelFormat)
	}

	pitch := uint64(info.PixelsPerScanLine) * BytesPerPixel(info)

	return New(
		uint64(info.HorizontalResolution),
		uint64(info.VerticalResolution),
		pitch,
		mode.FrameBufferBase,
		PixelFormat(info.PixelFormat),
	), nil
}

// BytesPerPixel returns the framebuffer pixel size of a mode. Bitmask modes
// are sized by their highest used bit.
func BytesPerPixel(info *efi.ModeInformation) uint64 {
	if info.PixelFormat != efi.PixelBitMask {
		return 4
	}

	p := info.PixelInformation
	n := bits.Len32(p.RedMask | p.GreenMask | p.BlueMask | p.ReservedMask)

	return uint64(n+7) / 8
}
