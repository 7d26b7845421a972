package efi

import "fmt"

// Status is an EFI_STATUS code. Non-zero error codes implement error so that
// firmware failures can be matched with errors.Is.
type Status uint64

const errorBit = 1 << 63

const (
	Success Status = 0

	ErrLoadError        Status = errorBit | 1
	ErrInvalidParameter Status = errorBit | 2
	ErrUnsupported      Status = errorBit | 3
	ErrBadBufferSize    Status = errorBit | 4
	ErrBufferTooSmall   Status = errorBit | 5
	ErrNotReady         Status = errorBit | 6
	ErrDeviceError      Status = errorBit | 7
	ErrOutOfResources   Status = errorBit | 9
	ErrVolumeCorrupted  Status = errorBit | 10
	ErrNotFound         Status = errorBit | 14
	ErrAccessDenied     Status = errorBit | 15
)

var statusNames = map[Status]string{
	Success:             "EFI_SUCCESS",
	ErrLoadError:        "EFI_LOAD_ERROR",
	ErrInvalidParameter: "EFI_INVALID_PARAMETER",
	ErrUnsupported:      "EFI_UNSUPPORTED",
	ErrBadBufferSize:    "EFI_BAD_BUFFER_SIZE",
	ErrBufferTooSmall:   "EFI_BUFFER_TOO_SMALL",
	ErrNotReady:         "EFI_NOT_READY",
	ErrDeviceError:      "EFI_DEVICE_ERROR",
	ErrOutOfResources:   "EFI_OUT_OF_RESOURCES",
	ErrVolumeCorrupted:  "EFI_VOLUME_CORRUPTED",
	ErrNotFound:         "EFI_NOT_FOUND",
	ErrAccessDenied:     "EFI_ACCESS_DENIED",
}

func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("EFI status %#x", uint64(s))
}
