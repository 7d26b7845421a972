package machine

import (
	"encoding/binary"
	"io"
)

// IdentityMap writes page tables mapping the first identityMapGiB GiB of
// physical memory one to one with 2 MiB pages. CR3 is pml4Addr.
func IdentityMap(w io.WriterAt) error {
	entry := func(v uint64) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)

		return b
	}

	if _, err := w.WriteAt(entry(pdptAddr|PDE64xPRESENT|PDE64xRW), pml4Addr); err != nil {
		return err
	}

	pdpt := make([]byte, 0, 8*identityMapGiB)

	for i := uint64(0); i < identityMapGiB; i++ {
		pdpt = append(pdpt, entry((pdAddr+i*0x1000)|PDE64xPRESENT|PDE64xRW)...)
	}

	if _, err := w.WriteAt(pdpt, pdptAddr); err != nil {
		return err
	}

	pd := make([]byte, 0, 8*512*identityMapGiB)

	for i := uint64(0); i < 512*identityMapGiB; i++ {
		pd = append(pd, entry(i*largePageSize|PDE64xPRESENT|PDE64xRW|PDE64xPS)...)
	}

	_, err := w.WriteAt(pd, pdAddr)

	return err
}
