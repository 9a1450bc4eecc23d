// Package layout pins the physical memory contract shared by every loader
// stage. Execution crosses mode transitions where calling conventions and
// register widths change, so state is never threaded through parameters:
// each entity has exactly one agreed physical address, written by its
// producer and read by later stages without further negotiation.
package layout

import "fmt"

// Version identifies the layout contract. Bump when any region moves.
const Version = 1

const (
	SectorSize = 512

	// BootDrive is the firmware drive number the first stage hands off with.
	BootDrive = 0x80

	// Boot image geometry: sector 0 is the first stage, sectors 1-64 hold
	// the stage-two image padded to exactly 32 KiB, the kernel flat binary
	// starts at sector 66.
	Stage2FirstSector = 1
	Stage2Sectors     = 64
	KernelFirstSector = 66
	KernelMaxSectors  = 768

	// KernelTempAddr is where the disk loader places the kernel image.
	// KernelTempSegment is the same address in real-mode segment form.
	KernelTempAddr    = 0x10000
	KernelTempSegment = 0x1000

	// KernelFinalAddr is where the kernel expects to execute from. The
	// protected-mode phase relocates the image here.
	KernelFinalAddr = 0x200000

	MemoryMapAddr       = 0x90000
	MemoryMapMaxEntries = 128
	MemoryMapEntrySize  = 24

	PageTableAddr = 0x70000
	PageTableSize = 0x8000

	GDTAddr = 0x78000

	// StackTop is the flat stack pointer for the 32- and 64-bit phases.
	// The stack grows down toward the page-table scratch region.
	StackTop = 0xA0000

	VGATextAddr    = 0xB8000
	VGATextColumns = 80
	VGATextRows    = 25

	ErrorStateAddr = 0x8FE00
)

// Region is one named span of the physical layout.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether [addr, addr+size) lies inside the region.
func (r Region) Contains(addr, size uint64) bool {
	if addr < r.Base {
		return false
	}
	end := addr + size
	if end < addr {
		return false
	}
	return end <= r.End()
}

// AssertWithin panics when a write of size bytes at addr escapes the
// region. Producers call this on every store into shared state; a
// component scribbling outside its assignment is a loader bug, not a
// runtime condition to recover from.
func (r Region) AssertWithin(addr, size uint64) {
	if !r.Contains(addr, size) {
		panic(fmt.Sprintf("layout: write of %d bytes at %#x escapes region %q [%#x, %#x)",
			size, addr, r.Name, r.Base, r.End()))
	}
}

var (
	Stage2Image = Region{Name: "stage2-image", Base: 0x7E00, Size: Stage2Sectors * SectorSize}
	ErrorState  = Region{Name: "error-state", Base: ErrorStateAddr, Size: 16}
	MemoryMap   = Region{Name: "memory-map", Base: MemoryMapAddr, Size: 4 + MemoryMapMaxEntries*MemoryMapEntrySize}
	KernelTemp  = Region{Name: "kernel-temp", Base: KernelTempAddr, Size: KernelMaxSectors * SectorSize}
	PageTables  = Region{Name: "page-tables", Base: PageTableAddr, Size: PageTableSize}
	GDT         = Region{Name: "gdt", Base: GDTAddr, Size: 0x40}
	Stack       = Region{Name: "stack", Base: 0x98000, Size: StackTop - 0x98000}
	VGAText     = Region{Name: "vga-text", Base: VGATextAddr, Size: VGATextColumns * VGATextRows * 2}
	KernelFinal = Region{Name: "kernel-final", Base: KernelFinalAddr, Size: KernelMaxSectors * SectorSize}
)

// Regions returns every named region in ascending base order.
func Regions() []Region {
	return []Region{
		Stage2Image,
		KernelTemp,
		PageTables,
		GDT,
		ErrorState,
		MemoryMap,
		Stack,
		VGAText,
		KernelFinal,
	}
}
