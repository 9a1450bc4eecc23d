package machine

import (
	"fmt"

	"github.com/metalboot/stage2/internal/firmware"
)

// cpuState carries the register file the mode transitions exercise.
type cpuState struct {
	mode firmware.Mode

	cr0 uint64
	cr3 uint64
	cr4 uint64

	msrs map[uint32]uint64

	gdtBase   uint64
	gdtLimit  uint16
	gdtLoaded bool

	codeSelector uint16
	dataSelector uint16
	stackPtr     uint64

	interruptsOff bool
	noLongMode    bool
}

func (c *cpuState) init() {
	c.mode = firmware.ModeReal
	c.msrs = map[uint32]uint64{}
}

// Mode returns the current execution mode.
func (m *Machine) Mode() firmware.Mode { return m.cpu.mode }

// CPUID implements firmware.CPU for the extended leaves the loader probes.
func (m *Machine) CPUID(leaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case firmware.CPUIDExtendedMax:
		return firmware.CPUIDExtendedFeatures, 0, 0, 0
	case firmware.CPUIDExtendedFeatures:
		if m.cpu.noLongMode {
			return 0, 0, 0, 0
		}
		return 0, 0, 0, firmware.CPUIDLongModeBit
	default:
		return 0, 0, 0, 0
	}
}

// ReadMSR implements firmware.CPU.
func (m *Machine) ReadMSR(msr uint32) uint64 { return m.cpu.msrs[msr] }

// WriteMSR implements firmware.CPU.
func (m *Machine) WriteMSR(msr uint32, value uint64) { m.cpu.msrs[msr] = value }

// DisableInterrupts implements firmware.Machine.
func (m *Machine) DisableInterrupts() { m.cpu.interruptsOff = true }

// LoadGDT implements firmware.Machine.
func (m *Machine) LoadGDT(base uint64, limit uint16) error {
	if base == 0 {
		return fmt.Errorf("lgdt: null descriptor table base")
	}
	if base+uint64(limit)+1 > m.mem.Size() {
		return fmt.Errorf("lgdt: table 0x%x+%d outside memory", base, limit)
	}
	m.cpu.gdtBase = base
	m.cpu.gdtLimit = limit
	m.cpu.gdtLoaded = true
	return nil
}

// CR0 implements firmware.Machine.
func (m *Machine) CR0() uint64 { return m.cpu.cr0 }

// SetCR0 implements firmware.Machine. Setting PG is checked against the
// long-mode preconditions the hardware enforces: PAE on, EFER.LME on and
// CR3 pointing at a table inside memory.
func (m *Machine) SetCR0(v uint64) error {
	old := m.cpu.cr0
	if old&firmware.CR0ProtectedMode != 0 && v&firmware.CR0ProtectedMode == 0 {
		return fmt.Errorf("cr0: clearing PE is not modelled")
	}
	if v&firmware.CR0Paging != 0 && old&firmware.CR0Paging == 0 {
		if v&firmware.CR0ProtectedMode == 0 {
			return fmt.Errorf("cr0: PG requires PE")
		}
		if m.cpu.cr4&firmware.CR4PAE == 0 {
			return fmt.Errorf("cr0: PG without CR4.PAE")
		}
		if m.cpu.msrs[firmware.MSREFER]&firmware.EFERLongMode == 0 {
			return fmt.Errorf("cr0: PG without EFER.LME")
		}
		if m.cpu.cr3 == 0 || m.cpu.cr3 >= m.mem.Size() {
			return fmt.Errorf("cr0: PG with CR3 0x%x outside memory", m.cpu.cr3)
		}
	}
	m.cpu.cr0 = v
	if v&firmware.CR0ProtectedMode != 0 && m.cpu.mode == firmware.ModeReal {
		m.cpu.mode = firmware.ModeProtected
	}
	return nil
}

// SetCR3 implements firmware.Machine.
func (m *Machine) SetCR3(v uint64) error {
	if v&0xFFF != 0 {
		return fmt.Errorf("cr3: 0x%x not page aligned", v)
	}
	m.cpu.cr3 = v
	return nil
}

// CR4 implements firmware.Machine.
func (m *Machine) CR4() uint64 { return m.cpu.cr4 }

// SetCR4 implements firmware.Machine.
func (m *Machine) SetCR4(v uint64) error {
	m.cpu.cr4 = v
	return nil
}

// gdt selector layout: index 1 is 32-bit code, index 3 is 64-bit code.
const (
	selector32BitCode = 0x08
	selector64BitCode = 0x18
)

// FarJump implements firmware.Machine. The selector's descriptor decides
// the resulting decode mode; the checks mirror what real hardware faults
// on rather than silently executes garbage for.
func (m *Machine) FarJump(selector uint16) error {
	if !m.cpu.gdtLoaded {
		return fmt.Errorf("far jump 0x%02x: no descriptor table loaded", selector)
	}
	if uint32(selector)+7 > uint32(m.cpu.gdtLimit)+1 {
		return fmt.Errorf("far jump 0x%02x: selector beyond table limit %d", selector, m.cpu.gdtLimit)
	}
	switch selector {
	case selector32BitCode:
		if m.cpu.cr0&firmware.CR0ProtectedMode == 0 {
			return fmt.Errorf("far jump 0x%02x: CR0.PE not set", selector)
		}
		if m.cpu.mode == firmware.ModeLong {
			return fmt.Errorf("far jump 0x%02x: cannot leave long mode", selector)
		}
		m.cpu.mode = firmware.ModeProtected
	case selector64BitCode:
		if m.cpu.cr0&firmware.CR0ProtectedMode == 0 || m.cpu.cr0&firmware.CR0Paging == 0 {
			return fmt.Errorf("far jump 0x%02x: paging not active", selector)
		}
		if m.cpu.msrs[firmware.MSREFER]&firmware.EFERLongMode == 0 {
			return fmt.Errorf("far jump 0x%02x: EFER.LME not set", selector)
		}
		m.cpu.msrs[firmware.MSREFER] |= firmware.EFERLongActive
		m.cpu.mode = firmware.ModeLong
	default:
		return fmt.Errorf("far jump 0x%02x: not a code selector", selector)
	}
	m.cpu.codeSelector = selector
	return nil
}

// SetDataSegments implements firmware.Machine.
func (m *Machine) SetDataSegments(selector uint16) error {
	if !m.cpu.gdtLoaded {
		return fmt.Errorf("load segments 0x%02x: no descriptor table loaded", selector)
	}
	if uint32(selector)+7 > uint32(m.cpu.gdtLimit)+1 {
		return fmt.Errorf("load segments 0x%02x: selector beyond table limit %d", selector, m.cpu.gdtLimit)
	}
	m.cpu.dataSelector = selector
	return nil
}

// SetStack implements firmware.Machine.
func (m *Machine) SetStack(addr uint64) { m.cpu.stackPtr = addr }
