package efi

import "fmt"

// PixelFormat is EFI_GRAPHICS_PIXEL_FORMAT.
type PixelFormat uint32

const (
	PixelRedGreenBlueReserved8BitPerColor PixelFormat = iota
	PixelBlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
	PixelFormatMax
)

func (p PixelFormat) String() string {
	switch p {
	case PixelRedGreenBlueReserved8BitPerColor:
		return "RGB"
	case PixelBlueGreenRedReserved8BitPerColor:
		return "BGR"
	case PixelBitMask:
		return "Bitmask"
	case PixelBltOnly:
		return "BltOnly"
	}

	return fmt.Sprintf("PixelFormat(%d)", uint32(p))
}

// PixelBitmask is EFI_PIXEL_BITMASK, only meaningful with PixelBitMask.
type PixelBitmask struct {
	RedMask      uint32
	GreenMask    uint32
	BlueMask     uint32
	ReservedMask uint32
}

// ModeInformation represents an EFI Graphics Output Mode Information instance.
type ModeInformation struct {
	Version              uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          PixelFormat
	PixelInformation     PixelBitmask
	PixelsPerScanLine    uint32
}

// ProtocolMode represents an EFI Graphics Output Protocol Mode instance.
type ProtocolMode struct {
	MaxMode         uint32
	Mode            uint32
	Info            ModeInformation
	FrameBufferBase uint64
	FrameBufferSize uint64
}

// GraphicsOutput is the subset of EFI_GRAPHICS_OUTPUT_PROTOCOL needed to
// describe the active mode.
type GraphicsOutput interface {
	CurrentMode() (*ProtocolMode, error)
}
