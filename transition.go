package stage2

import (
	"fmt"

	"github.com/metalboot/stage2/internal/firmware"
	"github.com/metalboot/stage2/internal/gdt"
	"github.com/metalboot/stage2/internal/layout"
)

// The transition tokens make the mode sequence one-way at the type level:
// each phase's privileged operations hang off a token that only the
// previous transition can mint, and every transition verifies it is the
// first consumer of its token. There is no token going the other way.

// RealToken is held while the machine still runs in real mode.
type RealToken struct {
	l *Loader
}

// ProtectedToken is minted by EnterProtected and consumed by EnterLong.
type ProtectedToken struct {
	l *Loader
}

// LongToken is minted by EnterLong. Holding it is proof every transition
// has happened; the only operation left is handing control to the kernel.
type LongToken struct {
	l *Loader
}

// EnterProtected performs the real-to-protected transition: descriptor
// table load, CR0.PE, far jump through the 32-bit code selector, then
// flat data segments and stack. The token cannot be used again.
func (t RealToken) EnterProtected(table *gdt.Table) (ProtectedToken, error) {
	l := t.l
	if l == nil || l.phase != firmware.ModeReal {
		return ProtectedToken{}, fmt.Errorf("transition: protected mode entered twice")
	}

	m := l.Machine
	m.DisableInterrupts()
	if err := m.LoadGDT(layout.GDTAddr, table.Limit()); err != nil {
		return ProtectedToken{}, fmt.Errorf("transition: %w", err)
	}
	if err := m.SetCR0(m.CR0() | firmware.CR0ProtectedMode); err != nil {
		return ProtectedToken{}, fmt.Errorf("transition: %w", err)
	}
	if err := m.FarJump(gdt.SelectorCode32); err != nil {
		return ProtectedToken{}, fmt.Errorf("transition: %w", err)
	}
	if err := m.SetDataSegments(gdt.SelectorData32); err != nil {
		return ProtectedToken{}, fmt.Errorf("transition: %w", err)
	}
	m.SetStack(layout.StackTop)

	l.phase = firmware.ModeProtected
	return ProtectedToken{l: l}, nil
}

// EnterLong performs the protected-to-long transition over the prepared
// page tables: CR3, CR4.PAE, EFER.LME, CR0.PG, far jump through the
// 64-bit code selector, then 64-bit data segments and stack.
func (t ProtectedToken) EnterLong(pml4 uint64) (LongToken, error) {
	l := t.l
	if l == nil || l.phase != firmware.ModeProtected {
		return LongToken{}, fmt.Errorf("transition: long mode entered twice")
	}

	m := l.Machine
	if err := m.SetCR3(pml4); err != nil {
		return LongToken{}, fmt.Errorf("transition: %w", err)
	}
	if err := m.SetCR4(m.CR4() | firmware.CR4PAE); err != nil {
		return LongToken{}, fmt.Errorf("transition: %w", err)
	}
	m.WriteMSR(firmware.MSREFER, m.ReadMSR(firmware.MSREFER)|firmware.EFERLongMode)
	if err := m.SetCR0(m.CR0() | firmware.CR0Paging); err != nil {
		return LongToken{}, fmt.Errorf("transition: %w", err)
	}
	if err := m.FarJump(gdt.SelectorCode64); err != nil {
		return LongToken{}, fmt.Errorf("transition: %w", err)
	}
	if err := m.SetDataSegments(gdt.SelectorData64); err != nil {
		return LongToken{}, fmt.Errorf("transition: %w", err)
	}
	m.SetStack(layout.StackTop)

	l.phase = firmware.ModeLong
	return LongToken{l: l}, nil
}
