package alloc_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/laskar-os/laskarboot/alloc"
	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/efi/efitest"
	"github.com/laskar-os/laskarboot/lifecycle"
	"github.com/laskar-os/laskarboot/loader"
	"github.com/laskar-os/laskarboot/memory"
)

func TestPageCount(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		n, want uint64
	}{
		{n: 0, want: 0},
		{n: 1, want: 1},
		{n: 4095, want: 1},
		{n: 4096, want: 1},
		{n: 4097, want: 2},
		{n: 8192, want: 2},
		{n: 8193, want: 3},
		{n: 1 << 20, want: 256},
	} {
		if got := alloc.PageCount(tt.n); got != tt.want {
			t.Errorf("PageCount(%d): got %d, want %d", tt.n, got, tt.want)
		}

		// ceil(n / PageSize) for every n
		if got := alloc.PageCount(tt.n); got*alloc.PageSize < tt.n || (got > 0 && (got-1)*alloc.PageSize >= tt.n) {
			t.Errorf("PageCount(%d) = %d is not the ceiling", tt.n, got)
		}
	}
}

func TestReserve(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{}

	res, err := alloc.Reserve(lifecycle.New(f), 0x200000, 8192, efi.LoaderCode)
	if err != nil {
		t.Fatal(err)
	}

	want := alloc.Reservation{Base: 0x200000, Pages: 2, Type: efi.LoaderCode}
	if *res != want {
		t.Fatalf("got %v, want %v", res, &want)
	}

	if len(f.Ranges) != 1 || f.Ranges[0] != (efitest.Range{Base: 0x200000, Pages: 2, Type: efi.LoaderCode}) {
		t.Fatalf("firmware ranges: %v", f.Ranges)
	}
}

func TestReserveUnavailable(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{Ranges: []efitest.Range{{Base: 0x200000, Pages: 1, Type: efi.LoaderData}}}

	res, err := alloc.Reserve(lifecycle.New(f), 0x200000, 8192, efi.LoaderCode)
	if !errors.Is(err, alloc.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}

	if !errors.Is(err, efi.ErrNotFound) {
		t.Fatalf("got %v, want firmware status wrapped", err)
	}

	if res != nil {
		t.Fatalf("got reservation %v, want nil", res)
	}
}

func TestReserveMismatch(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{
		Allocate: func(_ efi.AllocateType, _ efi.MemoryType, _, addr uint64) (uint64, error) {
			return addr + alloc.PageSize, nil
		},
	}

	res, err := alloc.Reserve(lifecycle.New(f), 0x200000, 1, efi.LoaderCode)
	if !errors.Is(err, alloc.ErrAddressMismatch) {
		t.Fatalf("got %v, want ErrAddressMismatch", err)
	}

	if res != nil {
		t.Fatalf("got reservation %v, want nil", res)
	}
}

func TestReserveInvalid(t *testing.T) {
	t.Parallel()

	svc := lifecycle.New(&efitest.Fake{})

	if _, err := alloc.Reserve(svc, 0x200010, 1, efi.LoaderCode); !errors.Is(err, alloc.ErrUnaligned) {
		t.Errorf("unaligned base: got %v, want ErrUnaligned", err)
	}

	if _, err := alloc.Reserve(svc, 0x200000, 0, efi.LoaderCode); !errors.Is(err, alloc.ErrEmptyImage) {
		t.Errorf("empty image: got %v, want ErrEmptyImage", err)
	}

	if _, err := svc.Exit(efi.LoaderCode); err != nil {
		t.Fatal(err)
	}

	_, err := alloc.Reserve(svc, 0x200000, 1, efi.LoaderCode)
	if !errors.Is(err, lifecycle.ErrServicesTerminated) || errors.Is(err, alloc.ErrUnavailable) {
		t.Errorf("after exit: got %v, want ErrServicesTerminated only", err)
	}
}

func TestReserveAny(t *testing.T) {
	t.Parallel()

	res, err := alloc.ReserveAny(lifecycle.New(&efitest.Fake{}), 1, efi.LoaderData)
	if err != nil {
		t.Fatal(err)
	}

	if res.Pages != 1 || res.Type != efi.LoaderData || res.Base%alloc.PageSize != 0 {
		t.Fatalf("got %v", res)
	}
}

func TestPlace(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 22)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i ^ (i >> 8))
	}

	img := loader.NewImage(data)
	res := &alloc.Reservation{Base: 0x200000, Pages: alloc.PageCount(uint64(img.Len())), Type: efi.LoaderCode}

	if err := alloc.Place(mem, res, img); err != nil {
		t.Fatal(err)
	}

	back := make([]byte, len(data))
	if _, err := mem.ReadAt(back, int64(res.Base)); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(back, data) {
		t.Fatal("placed bytes differ from the image")
	}
}

func TestPlaceTooLarge(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 22)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	img := loader.NewImage(make([]byte, 4097))
	res := &alloc.Reservation{Base: 0x200000, Pages: 1, Type: efi.LoaderCode}

	if err := alloc.Place(mem, res, img); !errors.Is(err, alloc.ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestPlaceOutsideMemory(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 21)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	img := loader.NewImage(bytes.Repeat([]byte{0x90}, 16))
	res := &alloc.Reservation{Base: 0x400000, Pages: 1, Type: efi.LoaderCode}

	if err := alloc.Place(mem, res, img); err == nil {
		t.Fatal("placement outside RAM: got nil, want err")
	}
}
