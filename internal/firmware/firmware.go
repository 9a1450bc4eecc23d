// Package firmware defines the service surface the loader consumes from the
// BIOS and the CPU. The loader core is written purely against these
// interfaces; the machine emulation backs them for the tools and stubs back
// them in tests.
package firmware

// DiskStatus mirrors the INT 13h result convention: the carry flag plus the
// status code returned in AH. A clear carry flag alone is not trusted;
// success requires the code to be zero as well, guarding against firmware
// that clears the flag but reports a non-zero sub-status.
type DiskStatus struct {
	Carry bool
	Code  uint8
}

func (s DiskStatus) OK() bool { return !s.Carry && s.Code == 0 }

// INT 13h status codes the loader makes decisions on.
const (
	DiskErrInvalidCommand   = 0x01
	DiskErrUnsupportedTrack = 0x0C
	DiskErrControllerFailed = 0x20
	DiskErrSeekFailed       = 0x40
	DiskErrTimeout          = 0x80
)

// DiskService models the firmware disk surface. The extended read consumes
// an encoded 16-byte disk address packet exactly as the real service does;
// the packet is built fresh by the caller before every call.
type DiskService interface {
	// ExtendedRead performs the LBA transfer described by the address
	// packet (AH=42h).
	ExtendedRead(drive uint8, packet []byte) DiskStatus

	// LegacyRead reads count sectors at the CHS coordinate into
	// segment:offset (AH=02h). Sector numbering starts at 1.
	LegacyRead(drive uint8, cylinder uint16, head, sector, count uint8, segment, offset uint16) DiskStatus

	// Reset re-initialises the drive controller (AH=00h).
	Reset(drive uint8) DiskStatus
}

// SMAPSignature is the magic value every E820 call must return in EAX.
const SMAPSignature = 0x534D4150

// E820Result is one step of the continuation-handle enumeration
// (AX=E820h). Length is the number of bytes stored into the caller's
// buffer; Continuation is zero when no entries remain.
type E820Result struct {
	Signature    uint32
	Continuation uint32
	Length       uint32
	Carry        bool
}

// MemoryService models the tiered INT 15h memory queries.
type MemoryService interface {
	// QueryMap copies the next memory map entry into buf and returns the
	// advanced continuation handle (AX=E820h).
	QueryMap(continuation uint32, buf []byte) E820Result

	// QueryExtended returns the coarse split sizes: KiB of memory between
	// 1 MiB and 16 MiB, and 64 KiB blocks above 16 MiB (AX=E801h).
	QueryExtended() (lowKB, high64K uint16, ok bool)

	// QueryLegacy returns extended memory above 1 MiB in KiB (AH=88h).
	QueryLegacy() (kb uint16, ok bool)
}

// CPU identification and model-specific register access.
type CPU interface {
	CPUID(leaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, value uint64)
}

// CPUID leaves and bits used for the long-mode feature check.
const (
	CPUIDExtendedMax      = 0x80000000
	CPUIDExtendedFeatures = 0x80000001
	CPUIDLongModeBit      = 1 << 29 // EDX of leaf 0x80000001
)

// Control register and EFER bits driven by the mode transition sequencer.
const (
	CR0ProtectedMode = 1 << 0
	CR0Paging        = 1 << 31

	CR4PAE = 1 << 5

	MSREFER        = 0xC0000080
	EFERLongMode   = 1 << 8
	EFERLongActive = 1 << 10
)

// Mode is the CPU execution mode. Transitions are strictly forward.
type Mode int

const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	default:
		return "invalid"
	}
}

// Machine exposes the privileged operations the sequencer drives. Every
// mode-changing call is irreversible: there is no operation that undoes a
// far jump or clears a control bit once the next stage depends on it.
type Machine interface {
	CPU

	// DisableInterrupts clears the interrupt flag. The loader never sets
	// it again; the kernel inherits interrupts-disabled.
	DisableInterrupts()

	// LoadGDT loads the descriptor-table register from the encoded table
	// at base.
	LoadGDT(base uint64, limit uint16) error

	CR0() uint64
	SetCR0(v uint64) error
	SetCR3(v uint64) error
	CR4() uint64
	SetCR4(v uint64) error

	// FarJump reloads CS with selector, switching the decode mode
	// according to the descriptor's L and D bits.
	FarJump(selector uint16) error

	// SetDataSegments loads DS/ES/FS/GS/SS with selector.
	SetDataSegments(selector uint16) error

	// SetStack points the stack pointer at addr.
	SetStack(addr uint64)

	// Jump transfers control to addr. The loader does not run past a
	// successful Jump.
	Jump(addr uint64) error

	// Halt stops the machine permanently. reason is recorded for the
	// operator; there is no process to return an exit code to.
	Halt(reason string)
}

// PortIO is byte-wide x86 port access, used by the serial mirror.
type PortIO interface {
	Outb(port uint16, v uint8)
	Inb(port uint16) uint8
}
