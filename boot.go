// Package stage2 is the second-stage boot loader: it pulls the kernel
// image off the boot disk, verifies it, discovers physical memory, walks
// the machine from real mode through protected mode into long mode and
// hands control to the kernel at its final address.
//
// The package is written purely against the firmware interfaces; the
// machine emulation backs them for the tools and stubs back them in
// tests.
package stage2

import (
	"errors"
	"fmt"
	"io"

	"github.com/metalboot/stage2/internal/disk"
	"github.com/metalboot/stage2/internal/e820"
	"github.com/metalboot/stage2/internal/firmware"
	"github.com/metalboot/stage2/internal/gdt"
	"github.com/metalboot/stage2/internal/kernel"
	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/paging"
	"github.com/metalboot/stage2/internal/physmem"
	"github.com/metalboot/stage2/internal/serial"
	"github.com/metalboot/stage2/internal/vga"
)

var (
	// ErrLongModeUnsupported means CPUID reported no 64-bit capability.
	ErrLongModeUnsupported = errors.New("stage2: cpu does not support long mode")

	// ErrRelocation means the image at the final address does not match
	// the source region right after the copy.
	ErrRelocation = errors.New("stage2: relocated image does not match source")
)

// Chunk size for kernel loads. Kept within a single legacy transfer so
// the CHS fallback covers the same span as the extended read it replaces.
const chunkSectors = 63

// relocCheckBytes is how much of the relocated image is compared against
// the source before the image is trusted.
const relocCheckBytes = 16

// Loader wires the boot sequence to one machine. Mem, Disk, Memory and
// Machine are required; Ports enables the COM1 diagnostics mirror.
type Loader struct {
	Mem     physmem.Memory
	Disk    firmware.DiskService
	Memory  firmware.MemoryService
	Machine firmware.Machine
	Ports   firmware.PortIO

	// Drive defaults to the firmware boot drive.
	Drive uint8

	// KernelSectors defaults to the full kernel region.
	KernelSectors uint16

	phase firmware.Mode
}

// Report summarises a completed boot for the caller.
type Report struct {
	SectorsLoaded   uint16
	SignatureOffset uint64
	MapEntries      int
	Pages           int
	Entry           uint64
}

// Boot runs the sequence end to end: load, verify, probe, transition,
// relocate, jump. On a fatal condition the failure is rendered to the
// display, the machine is halted and the sentinel describing the
// condition is returned. There is no partial recovery.
func (l *Loader) Boot() (*Report, error) {
	if l.Drive == 0 {
		l.Drive = layout.BootDrive
	}
	if l.KernelSectors == 0 || l.KernelSectors > layout.KernelMaxSectors {
		l.KernelSectors = layout.KernelMaxSectors
	}
	l.phase = firmware.ModeReal

	cons := vga.NewRealMode(l.Mem)
	cons.Clear()
	cons.SetAttr(vga.AttrBright)
	cons.Println("metalboot stage2")
	cons.SetAttr(vga.AttrNormal)

	report := &Report{SectorsLoaded: l.KernelSectors}

	// Phase 1: pull the kernel into the temporary region.
	cons.WriteString("disk: loading ")
	cons.WriteDecimal(uint64(l.KernelSectors))
	cons.Println(" sectors")
	if err := l.loadKernel(); err != nil {
		return nil, l.fatal(cons, l.diskFailureMessage(), err)
	}

	// Phase 2: make sure the blob is a kernel before acting on it.
	off, err := kernel.Verify(l.Mem, layout.KernelTempAddr, disk.SectorBytes(l.KernelSectors))
	if err != nil {
		return nil, l.fatal(cons, "kernel signature not found", err)
	}
	report.SignatureOffset = off

	// Phase 3: discover physical memory and freeze the canonical map.
	memMap, err := e820.NewProber(l.Memory).Probe()
	if err != nil {
		return nil, l.fatal(cons, "memory probe failed", err)
	}
	if err := memMap.Store(l.Mem); err != nil {
		return nil, l.fatal(cons, "memory map store failed", err)
	}
	report.MapEntries = memMap.Len()
	renderMap(cons, memMap)

	// Phase 4: descriptor table, then the one-way walk to long mode.
	table := gdt.New()
	if err := table.Store(l.Mem); err != nil {
		return nil, l.fatal(cons, "descriptor table store failed", err)
	}

	pt, err := RealToken{l: l}.EnterProtected(table)
	if err != nil {
		return nil, l.fatal(cons, "protected mode entry failed", err)
	}

	// Segmented addressing is gone from here on.
	cons = vga.NewFlat(l.Mem)
	cons.SetPosition(0, 8)
	cons.Println("protected mode")

	if err := l.relocateKernel(); err != nil {
		return nil, l.fatal(cons, "kernel relocation failed", err)
	}
	if err := l.requireLongMode(); err != nil {
		return nil, l.fatal(cons, "cpu lacks long mode", err)
	}

	pages := paging.PageCount(memMap)
	pml4, err := paging.Build(l.Mem, pages)
	if err != nil {
		return nil, l.fatal(cons, "page table build failed", err)
	}
	report.Pages = pages

	lt, err := pt.EnterLong(pml4)
	if err != nil {
		return nil, l.fatal(cons, "long mode entry failed", err)
	}

	// Phase 5: final diagnostics and the jump.
	entry, err := lt.launch(cons, report)
	if err != nil {
		return nil, l.fatal(cons, "kernel image missing at final address", err)
	}
	report.Entry = entry
	return report, nil
}

// loadKernel reads the kernel region chunk by chunk into the temporary
// address, advancing the real-mode segment between chunks.
func (l *Loader) loadKernel() error {
	dl := disk.NewLoader(l.Disk, l.Mem, l.Drive)
	lba := uint64(layout.KernelFirstSector)
	segment := uint16(layout.KernelTempSegment)
	remaining := l.KernelSectors
	for remaining > 0 {
		count := remaining
		if count > chunkSectors {
			count = chunkSectors
		}
		layout.KernelTemp.AssertWithin(uint64(segment)<<4, disk.SectorBytes(count))
		if err := dl.Load(lba, count, segment); err != nil {
			return err
		}
		lba += uint64(count)
		segment += count * layout.SectorSize / 16
		remaining -= count
	}
	return nil
}

// relocateKernel copies the loaded image to its execution address and
// compares the leading bytes of both regions before trusting the copy.
func (l *Loader) relocateKernel() error {
	size := disk.SectorBytes(l.KernelSectors)
	layout.KernelFinal.AssertWithin(layout.KernelFinalAddr, size)
	if err := physmem.Copy(l.Mem, layout.KernelFinalAddr, layout.KernelTempAddr, size); err != nil {
		return fmt.Errorf("stage2: relocate: %w", err)
	}
	same, err := physmem.Equal(l.Mem, layout.KernelFinalAddr, layout.KernelTempAddr, relocCheckBytes)
	if err != nil {
		return fmt.Errorf("stage2: relocate: %w", err)
	}
	if !same {
		return ErrRelocation
	}
	return nil
}

// requireLongMode runs the CPUID feature check. The extended leaf must
// exist and advertise the 64-bit bit; anything else is fatal because the
// paging layout built next only makes sense in long mode.
func (l *Loader) requireLongMode() error {
	maxLeaf, _, _, _ := l.Machine.CPUID(firmware.CPUIDExtendedMax)
	if maxLeaf < firmware.CPUIDExtendedFeatures {
		return ErrLongModeUnsupported
	}
	_, _, _, edx := l.Machine.CPUID(firmware.CPUIDExtendedFeatures)
	if edx&firmware.CPUIDLongModeBit == 0 {
		return ErrLongModeUnsupported
	}
	return nil
}

// launch renders the success report, runs the post-relocation presence
// check and hands control to the kernel. Only a LongToken holder can
// reach it.
func (t LongToken) launch(cons *vga.Console, report *Report) (uint64, error) {
	l := t.l

	var mirror io.Writer = io.Discard
	if l.Ports != nil {
		port := serial.NewCOM1(l.Ports)
		port.Init()
		mirror = port
	}

	cons.Clear()
	cons.SetAttr(vga.AttrGood)
	cons.Println("long mode active")
	cons.SetAttr(vga.AttrNormal)

	line := func(s string) {
		cons.Println(s)
		fmt.Fprintf(mirror, "%s\n", s)
	}
	line(fmt.Sprintf("kernel entry   %08X", uint32(layout.KernelFinalAddr)))
	line(fmt.Sprintf("map entries    %d", report.MapEntries))
	line(fmt.Sprintf("mapped pages   %d", report.Pages))
	line(fmt.Sprintf("sig offset     %04X", uint16(report.SignatureOffset)))

	var head [4]byte
	if _, err := l.Mem.ReadAt(head[:], layout.KernelFinalAddr); err == nil {
		cons.WriteString("image head     ")
		for _, b := range head {
			cons.WriteHexByte(b)
			_ = cons.WriteByte(' ')
		}
		_ = cons.WriteByte('\n')
		fmt.Fprintf(mirror, "image head %02X %02X %02X %02X\n", head[0], head[1], head[2], head[3])
	}

	if err := kernel.CheckPresent(l.Mem, layout.KernelFinalAddr); err != nil {
		return 0, err
	}
	if err := l.Machine.Jump(layout.KernelFinalAddr); err != nil {
		return 0, fmt.Errorf("stage2: jump: %w", err)
	}
	return layout.KernelFinalAddr, nil
}

// renderMap shows the leading memory map entries. Display only: the
// stored map is never touched from here.
func renderMap(cons *vga.Console, m *e820.Map) {
	const maxLines = 4
	cons.SetAttr(vga.AttrInfo)
	cons.WriteString("memory map (")
	cons.WriteDecimal(uint64(m.Len()))
	cons.Println(" entries)")
	cons.SetAttr(vga.AttrNormal)
	for i, e := range m.Entries() {
		if i >= maxLines {
			break
		}
		cons.WriteString("  ")
		cons.WriteHex64(e.Base)
		cons.WriteString(" + ")
		cons.WriteHex64(e.Length)
		cons.WriteString(" ")
		cons.Println(e820.TypeLabel(e.Type))
	}
}

// diskFailureMessage folds the recorded firmware code into the fatal
// banner so the operator sees it without a debugger.
func (l *Loader) diskFailureMessage() string {
	st, err := disk.LoadErrorState(l.Mem)
	if err != nil {
		return "disk read failed"
	}
	return fmt.Sprintf("disk read failed, firmware code %02X after %d retries",
		st.LastCode, st.Retries+1)
}

// fatal is the single stopping path: paint the condition on the display,
// halt the machine, hand the wrapped cause back to the embedder. The
// emulated halt is terminal; on hardware there is nobody to return to.
func (l *Loader) fatal(cons *vga.Console, msg string, err error) error {
	cons.SetAttr(vga.AttrError)
	cons.Println("")
	cons.Println("BOOT FAILED: " + msg)
	l.Machine.Halt(msg)
	return fmt.Errorf("stage2: %s: %w", msg, err)
}
