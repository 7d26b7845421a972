// Package probe reports whether the host's KVM can run the boot machine.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/laskar-os/laskarboot/kvm"
)

var errMissing = errors.New("required KVM capability missing")

// Result is the outcome of one capability check.
type Result struct {
	Cap       kvm.Capability
	Supported bool
	Required  bool
}

// KVMCapabilities checks every capability the machine uses, and long mode
// support, and prints the results to w.
func KVMCapabilities(dev string, w io.Writer) error {
	kvmFile, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	var results []Result

	for _, caps := range []struct {
		list     []kvm.Capability
		required bool
	}{
		{kvm.Required, true},
		{kvm.Optional, false},
	} {
		for _, c := range caps.list {
			res, err := kvm.CheckExtension(kvmfd, c)
			if err != nil {
				return fmt.Errorf("CheckExtension(%s): %w", c, err)
			}

			results = append(results, Result{Cap: c, Supported: res != 0, Required: caps.required})
		}
	}

	ids := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(kvmfd, ids); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	e := ids.Find(kvm.CPUIDExtFeatures, 0)

	return Print(w, results, e != nil && e.Edx&kvm.CPUIDLongMode != 0)
}

// Print writes one line per result. It fails when a required capability or
// long mode is missing.
func Print(w io.Writer, results []Result, longMode bool) error {
	var missing []string

	for _, r := range results {
		kind := "optional"
		if r.Required {
			kind = "required"
		}

		fmt.Fprintf(w, "%-30s: %-5t (%s)\n", r.Cap, r.Supported, kind)

		if r.Required && !r.Supported {
			missing = append(missing, r.Cap.String())
		}
	}

	fmt.Fprintf(w, "%-30s: %-5t (required)\n", "LongMode", longMode)

	if !longMode {
		missing = append(missing, "LongMode")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", errMissing, missing)
	}

	return nil
}
