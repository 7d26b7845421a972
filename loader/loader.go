// Package loader reads the kernel image from the firmware file system.
// The image is an opaque blob: nothing inside it is parsed or checked.
package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/lifecycle"
)

var (
	// ErrShortRead means the file yielded fewer bytes than its size.
	ErrShortRead = errors.New("short read")

	// ErrLongRead means the file yielded more bytes than its size.
	ErrLongRead = errors.New("file longer than its size")

	ErrInvalidPath = errors.New("invalid path")
)

// Image is the raw kernel image.
type Image struct {
	data []byte
}

// NewImage wraps data.
func NewImage(data []byte) *Image {
	return &Image{data: data}
}

func (i *Image) Bytes() []byte { return i.data }
func (i *Image) Len() int      { return len(i.data) }

// FSPath converts a UEFI style path such as `\EFI\kernel.bin` to an io/fs
// path.
func FSPath(path string) (string, error) {
	name := strings.TrimLeft(strings.ReplaceAll(path, `\`, "/"), "/")

	if !fs.ValidPath(name) || name == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	return name, nil
}

// Load reads the whole file at path into pool memory obtained from svc.
func Load(svc *lifecycle.Services, path string) (*Image, error) {
	name, err := FSPath(path)
	if err != nil {
		return nil, err
	}

	fsys, err := svc.FileSystem()
	if err != nil {
		return nil, fmt.Errorf("file system: %w", err)
	}

	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if st.IsDir() {
		return nil, fmt.Errorf("%w: %q is a directory", ErrInvalidPath, path)
	}

	buf, err := svc.AllocatePool(efi.LoaderData, int(st.Size()))
	if err != nil {
		return nil, fmt.Errorf("AllocatePool(%d): %w", st.Size(), err)
	}

	n, err := io.ReadFull(f, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w: got %d of %d bytes", path, ErrShortRead, n, len(buf))
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var extra [1]byte

	switch _, err := io.ReadFull(f, extra[:]); {
	case err == nil:
		return nil, fmt.Errorf("%s: %w: more than %d bytes", path, ErrLongRead, len(buf))
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return NewImage(buf), nil
}
