// Package machine emulates the firmware and CPU surface the loader runs
// against: BIOS disk and memory services, CPUID/MSR access, control
// registers and the mode-transition legality rules. The tools boot real
// disk images through it; tests inject faults through its options.
package machine

import (
	"io"
	"log/slog"

	"github.com/metalboot/stage2/internal/e820"
	"github.com/metalboot/stage2/internal/physmem"
)

// DefaultRAMSize backs machines created without an explicit size.
const DefaultRAMSize = 256 << 20

// Stats counts firmware service invocations for observability and tests.
type Stats struct {
	ExtendedReads int
	LegacyReads   int
	Resets        int
	MapQueries    int
}

// Machine is one emulated x86 machine.
type Machine struct {
	mem *physmem.Buffer

	disk   diskState
	memsvc memState
	cpu    cpuState

	serialOut    io.Writer
	serialDLAB   bool
	serialWedged bool

	stats Stats

	halted     bool
	haltReason string
	jumped     bool
	entry      uint64
}

// Option customises the machine.
type Option func(*Machine)

// WithRAMSize sets the physical memory size in bytes.
func WithRAMSize(size uint64) Option {
	return func(m *Machine) {
		if size > 0 {
			m.mem = physmem.NewBuffer(size)
		}
	}
}

// WithDiskImage attaches the boot disk image.
func WithDiskImage(img io.ReaderAt, size int64) Option {
	return func(m *Machine) {
		m.disk.image = img
		m.disk.imageSize = size
	}
}

// WithSerialOutput attaches a sink for guest COM1 output.
func WithSerialOutput(w io.Writer) Option {
	return func(m *Machine) { m.serialOut = w }
}

// WithWedgedSerial makes the COM1 transmitter never report ready.
func WithWedgedSerial() Option {
	return func(m *Machine) { m.serialWedged = true }
}

// WithoutLongMode removes the long-mode capability bit from CPUID.
func WithoutLongMode() Option {
	return func(m *Machine) { m.cpu.noLongMode = true }
}

// WithoutExtendedRead makes every extended read fail with "invalid
// command", forcing the CHS path.
func WithoutExtendedRead() Option {
	return func(m *Machine) { m.disk.noExtended = true }
}

// WithExtendedReadFaults queues status codes returned by successive
// extended reads; a zero code means that call succeeds.
func WithExtendedReadFaults(codes ...uint8) Option {
	return func(m *Machine) { m.disk.extendedFaults = codes }
}

// WithLegacyReadFault makes every legacy read fail with code.
func WithLegacyReadFault(code uint8) Option {
	return func(m *Machine) { m.disk.legacyFault = code }
}

// WithoutE820 disables the preferred memory map service.
func WithoutE820() Option {
	return func(m *Machine) { m.memsvc.noE820 = true }
}

// WithoutE801 disables the coarse two-value memory query.
func WithoutE801() Option {
	return func(m *Machine) { m.memsvc.noE801 = true }
}

// WithoutLegacyMemory disables the single-value memory query.
func WithoutLegacyMemory() Option {
	return func(m *Machine) { m.memsvc.noLegacy = true }
}

// WithMemoryMapEntries overrides the table served by the E820 service.
func WithMemoryMapEntries(entries []e820.Entry) Option {
	return func(m *Machine) { m.memsvc.entries = entries }
}

// New builds a machine in the reset state expected by the second stage:
// real mode, interrupts already disabled by the first-stage contract.
func New(opts ...Option) *Machine {
	m := &Machine{}
	for _, opt := range opts {
		opt(m)
	}
	if m.mem == nil {
		m.mem = physmem.NewBuffer(DefaultRAMSize)
	}
	if m.serialOut == nil {
		m.serialOut = io.Discard
	}
	m.cpu.init()
	if len(m.memsvc.entries) == 0 {
		m.memsvc.entries = DefaultMemoryMap(m.mem.Size())
	}
	m.memsvc.ramSize = m.mem.Size()
	return m
}

// Mem exposes the physical memory surface.
func (m *Machine) Mem() physmem.Memory { return m.mem }

// Stats returns the service invocation counters.
func (m *Machine) Stats() Stats { return m.stats }

// Halted reports whether the machine was stopped, and why.
func (m *Machine) Halted() (bool, string) { return m.halted, m.haltReason }

// Entry returns the address control was transferred to, if any.
func (m *Machine) Entry() (uint64, bool) { return m.entry, m.jumped }

// Halt implements firmware.Machine.
func (m *Machine) Halt(reason string) {
	m.halted = true
	m.haltReason = reason
	slog.Warn("machine halted", "reason", reason)
}

// Jump implements firmware.Machine.
func (m *Machine) Jump(addr uint64) error {
	m.jumped = true
	m.entry = addr
	slog.Info("control transferred", "entry", addr, "mode", m.cpu.mode)
	return nil
}

const (
	com1Base      = 0x3F8
	com1LineCtrl  = com1Base + 3
	com1LineState = com1Base + 5

	lcrDLAB    = 0x80
	lsrTxEmpty = 0x20
)

// Outb implements firmware.PortIO for the COM1 range.
func (m *Machine) Outb(port uint16, v uint8) {
	switch port {
	case com1LineCtrl:
		m.serialDLAB = v&lcrDLAB != 0
	case com1Base:
		if !m.serialDLAB {
			_, _ = m.serialOut.Write([]byte{v})
		}
	}
}

// Inb implements firmware.PortIO for the COM1 range.
func (m *Machine) Inb(port uint16) uint8 {
	if port == com1LineState {
		if m.serialWedged {
			return 0
		}
		return lsrTxEmpty
	}
	return 0
}
