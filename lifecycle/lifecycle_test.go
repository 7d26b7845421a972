package lifecycle_test

import (
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/laskar-os/laskarboot/efi"
	"github.com/laskar-os/laskarboot/efi/efitest"
	"github.com/laskar-os/laskarboot/lifecycle"
)

func TestExit(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{}
	s := lifecycle.New(f)

	if s.State() != lifecycle.Active {
		t.Fatalf("initial state: got %v, want Active", s.State())
	}

	term, err := s.Exit(efi.LoaderCode)
	if err != nil {
		t.Fatal(err)
	}

	if !term.Valid() {
		t.Fatal("token from Exit must be valid")
	}

	if term.MemoryType() != efi.LoaderCode {
		t.Fatalf("token memory type: got %v, want LoaderCode", term.MemoryType())
	}

	if !f.Exited || f.ExitType != efi.LoaderCode {
		t.Fatalf("firmware exit: got (%v, %v), want (true, LoaderCode)", f.Exited, f.ExitType)
	}

	if s.State() != lifecycle.ServicesTerminated {
		t.Fatalf("state: got %v, want ServicesTerminated", s.State())
	}

	if _, err := s.Exit(efi.LoaderCode); !errors.Is(err, lifecycle.ErrServicesTerminated) {
		t.Fatalf("second Exit: got %v, want ErrServicesTerminated", err)
	}
}

func TestRejectAfterExit(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{
		GOP: efitest.NewGOP(640, 480, efi.PixelRedGreenBlueReserved8BitPerColor, 0xc0000000),
		FS:  fstest.MapFS{},
	}
	s := lifecycle.New(f)

	if _, err := s.Exit(efi.LoaderCode); err != nil {
		t.Fatal(err)
	}

	before := len(f.Calls)

	for _, tt := range []struct {
		name string
		call func() error
	}{
		{name: "LocateGraphicsOutput", call: func() error {
			_, err := s.LocateGraphicsOutput()

			return err
		}},
		{name: "FileSystem", call: func() error {
			_, err := s.FileSystem()

			return err
		}},
		{name: "AllocatePages", call: func() error {
			_, err := s.AllocatePages(efi.AllocateAddress, efi.LoaderCode, 1, 0x200000)

			return err
		}},
		{name: "AllocatePool", call: func() error {
			_, err := s.AllocatePool(efi.LoaderData, 16)

			return err
		}},
		{name: "MemoryMap", call: func() error {
			_, err := s.MemoryMap()

			return err
		}},
		{name: "Stall", call: func() error {
			return s.Stall(time.Second)
		}},
	} {
		if err := tt.call(); !errors.Is(err, lifecycle.ErrServicesTerminated) {
			t.Errorf("%s after Exit: got %v, want ErrServicesTerminated", tt.name, err)
		}
	}

	if len(f.Calls) != before {
		t.Fatalf("firmware was called after Exit: %v", f.Calls[before:])
	}
}

func TestExitStaleKey(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{ExitErrs: []error{efi.ErrInvalidParameter}}
	s := lifecycle.New(f)

	if _, err := s.Exit(efi.LoaderCode); err != nil {
		t.Fatal(err)
	}

	if n := f.Count("GetMemoryMap"); n != 2 {
		t.Fatalf("GetMemoryMap calls: got %d, want 2", n)
	}

	if n := f.Count("ExitBootServices"); n != 2 {
		t.Fatalf("ExitBootServices calls: got %d, want 2", n)
	}
}

func TestExitFailure(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{ExitErrs: []error{efi.ErrDeviceError}}
	s := lifecycle.New(f)

	term, err := s.Exit(efi.LoaderCode)
	if !errors.Is(err, efi.ErrDeviceError) {
		t.Fatalf("Exit: got %v, want ErrDeviceError", err)
	}

	if term.Valid() {
		t.Fatal("failed Exit must not return a valid token")
	}

	if s.State() != lifecycle.ServicesTerminated {
		t.Fatalf("state after failed Exit: got %v, want ServicesTerminated", s.State())
	}

	if n := f.Count("ExitBootServices"); n != 1 {
		t.Fatalf("ExitBootServices calls: got %d, want 1", n)
	}
}

func TestStall(t *testing.T) {
	t.Parallel()

	f := &efitest.Fake{}
	s := lifecycle.New(f)

	if err := s.Stall(2 * time.Second); err != nil {
		t.Fatal(err)
	}

	if f.Stalled != 2*time.Second {
		t.Fatalf("stalled: got %v, want 2s", f.Stalled)
	}
}
