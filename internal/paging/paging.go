// Package paging builds the four-level identity-mapped page table
// hierarchy used for the long-mode transition. Leaf entries are 2 MiB
// pages, so no fourth-level tables are populated below the directories.
package paging

import (
	"fmt"

	"github.com/metalboot/stage2/internal/e820"
	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

const (
	// PageSize is the leaf mapping granularity.
	PageSize = 2 << 20

	// MinPages and MaxPages clamp the mapped range to 128 MiB - 4 GiB.
	MinPages = 64
	MaxPages = 2048

	entriesPerTable = 512
	tableSize       = 0x1000

	entryPresent  = 1 << 0
	entryWritable = 1 << 1
	entryLarge    = 1 << 7

	// Usable entries whose base reaches this boundary look like they
	// cross into hardware-reserved high ranges and are not trusted when
	// sizing the identity map.
	highRangeBase = 0x80000000
)

// PageCount derives the number of 2 MiB mappings from the memory map:
// the highest end address among usable entries that fit below 4 GiB and
// do not start in the high hardware ranges, rounded up to a 2 MiB
// boundary and clamped to [MinPages, MaxPages].
func PageCount(m *e820.Map) int {
	var highest uint64
	for _, e := range m.Entries() {
		if e.Type != e820.TypeUsable {
			continue
		}
		end := e.End()
		if end > 1<<32 {
			continue
		}
		if e.Base >= highRangeBase {
			continue
		}
		if end > highest {
			highest = end
		}
	}

	pages := int((highest + PageSize - 1) / PageSize)
	if pages < MinPages {
		return MinPages
	}
	if pages > MaxPages {
		return MaxPages
	}
	return pages
}

// Build zeroes the fixed scratch region and constructs the hierarchy:
// one top-level entry pointing at one second-level table, whose entries
// point at ceil(pages/512) leaf tables filled with sequential 2 MiB
// identity mappings. It returns the top-level table's address, the value
// loaded into the page-table base register. The hierarchy is immutable
// once that register is loaded.
func Build(mem physmem.Memory, pages int) (uint64, error) {
	if pages < MinPages || pages > MaxPages {
		return 0, fmt.Errorf("paging: page count %d outside [%d, %d]", pages, MinPages, MaxPages)
	}

	base := layout.PageTables.Base
	layout.PageTables.AssertWithin(base, layout.PageTables.Size)
	if err := physmem.Zero(mem, base, layout.PageTables.Size); err != nil {
		return 0, fmt.Errorf("paging: zero scratch region: %w", err)
	}

	pml4 := base
	pdpt := base + tableSize
	pdBase := base + 2*tableSize

	directories := (pages + entriesPerTable - 1) / entriesPerTable
	if uint64(2+directories)*tableSize > layout.PageTables.Size {
		return 0, fmt.Errorf("paging: %d directories exceed the scratch region", directories)
	}

	if err := physmem.WriteU64(mem, pml4, pdpt|entryPresent|entryWritable); err != nil {
		return 0, err
	}
	for d := 0; d < directories; d++ {
		pd := pdBase + uint64(d)*tableSize
		if err := physmem.WriteU64(mem, pdpt+uint64(d)*8, pd|entryPresent|entryWritable); err != nil {
			return 0, err
		}
	}

	for i := 0; i < pages; i++ {
		pd := pdBase + uint64(i/entriesPerTable)*tableSize
		slot := pd + uint64(i%entriesPerTable)*8
		phys := uint64(i) * PageSize
		if err := physmem.WriteU64(mem, slot, phys|entryPresent|entryWritable|entryLarge); err != nil {
			return 0, err
		}
	}

	return pml4, nil
}
