package machine

// Layout of the CPU state the machine builds at handoff. It lives in the
// firmware's boot services data range, below 1 MiB.
//
//	0x00001000  GDT
//	0x00002000  stack, growing down from 0x9000
//	0x00009000  PML4
//	0x0000a000  PDPT
//	0x0000b000  page directories, one per GiB
//	0x0000f000
const (
	gdtAddr  = 0x1000
	stackTop = 0x9000

	pml4Addr = 0x9000
	pdptAddr = 0xa000
	pdAddr   = 0xb000

	// identityMapGiB is the span of the identity map, 2 MiB pages.
	identityMapGiB = 4

	pageSize      = 1 << 12
	largePageSize = 1 << 21
)

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xPSE = (1 << 4)
	CR4xPAE = (1 << 5)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)

	// 64-bit page * entry bits.
	PDE64xPRESENT  = 1
	PDE64xRW       = (1 << 1)
	PDE64xUSER     = (1 << 2)
	PDE64xACCESSED = (1 << 5)
	PDE64xDIRTY    = (1 << 6)
	PDE64xPS       = (1 << 7)
	PDE64xG        = (1 << 8)
)

// GDT access and flag words.
const (
	gdtCode64 = 0xa09b
	gdtData   = 0xc093
	gdtTSS    = 0x008b

	tssLimit = 0x67
)
