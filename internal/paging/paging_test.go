package paging

import (
	"testing"

	"github.com/metalboot/stage2/internal/e820"
	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

func mapWithUsable(ends ...uint64) *e820.Map {
	m := &e820.Map{}
	for _, end := range ends {
		m.Append(e820.Entry{Base: 0x100000, Length: end - 0x100000, Type: e820.TypeUsable})
	}
	return m
}

func TestPageCount(t *testing.T) {
	tests := []struct {
		name string
		m    *e820.Map
		want int
	}{
		{"tiny map clamps to minimum", mapWithUsable(16 << 20), MinPages},
		{"256 MiB", mapWithUsable(256 << 20), 128},
		{"512 MiB", mapWithUsable(512 << 20), 256},
		{"unaligned end rounds up", mapWithUsable(256<<20 + 1), 129},
		{"4 GiB clamps to maximum", mapWithUsable(1 << 32), MaxPages},
		{"empty map clamps to minimum", &e820.Map{}, MinPages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PageCount(tt.m); got != tt.want {
				t.Errorf("PageCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPageCountIgnoresUntrustedRanges(t *testing.T) {
	m := &e820.Map{}
	m.Append(e820.Entry{Base: 0x100000, Length: 255 << 20, Type: e820.TypeUsable})
	// Ends beyond 4 GiB are not trusted when sizing the identity map.
	m.Append(e820.Entry{Base: 1 << 32, Length: 1 << 32, Type: e820.TypeUsable})
	// Nor are entries starting in the high hardware ranges.
	m.Append(e820.Entry{Base: 0x80000000, Length: 1 << 20, Type: e820.TypeUsable})
	// Reserved entries never contribute.
	m.Append(e820.Entry{Base: 0x10000000, Length: 1 << 30, Type: e820.TypeReserved})

	if got := PageCount(m); got != 128 {
		t.Errorf("PageCount = %d, want 128 from the trusted entry alone", got)
	}
}

func TestPageCountMonotonic(t *testing.T) {
	small := PageCount(mapWithUsable(256 << 20))
	large := PageCount(mapWithUsable(512 << 20))
	if large < small {
		t.Errorf("doubling usable memory decreased the page count: %d -> %d", small, large)
	}
}

func TestBuildStructure(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	const pages = 700 // two leaf tables

	pml4, err := Build(mem, pages)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pml4 != layout.PageTableAddr {
		t.Fatalf("pml4 = %#x, want %#x", pml4, layout.PageTableAddr)
	}

	top, err := physmem.ReadU64(mem, pml4)
	if err != nil {
		t.Fatal(err)
	}
	pdpt := top &^ uint64(0xFFF)
	if top&entryPresent == 0 || top&entryWritable == 0 {
		t.Errorf("top entry %#x missing present/writable", top)
	}
	if pdpt != pml4+tableSize {
		t.Errorf("second-level table at %#x, want %#x", pdpt, pml4+tableSize)
	}

	for d := 0; d < 2; d++ {
		e, err := physmem.ReadU64(mem, pdpt+uint64(d)*8)
		if err != nil {
			t.Fatal(err)
		}
		if e&entryPresent == 0 {
			t.Fatalf("directory %d not present", d)
		}
	}
	if e, _ := physmem.ReadU64(mem, pdpt+2*8); e != 0 {
		t.Errorf("unexpected third directory entry %#x", e)
	}

	// Walk every leaf: sequential identity mappings with the large-page
	// bit, and nothing past the last one.
	pdBase := pml4 + 2*tableSize
	for i := 0; i < pages; i++ {
		slot := pdBase + uint64(i/entriesPerTable)*tableSize + uint64(i%entriesPerTable)*8
		e, err := physmem.ReadU64(mem, slot)
		if err != nil {
			t.Fatal(err)
		}
		want := uint64(i)*PageSize | entryPresent | entryWritable | entryLarge
		if e != want {
			t.Fatalf("leaf %d = %#x, want %#x", i, e, want)
		}
	}
	past := pdBase + uint64(pages/entriesPerTable)*tableSize + uint64(pages%entriesPerTable)*8
	if e, _ := physmem.ReadU64(mem, past); e != 0 {
		t.Errorf("leaf beyond the mapped count = %#x, want 0", e)
	}
}

func TestBuildRejectsOutOfRangeCounts(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	for _, pages := range []int{0, MinPages - 1, MaxPages + 1} {
		if _, err := Build(mem, pages); err == nil {
			t.Errorf("Build(%d) succeeded, want error", pages)
		}
	}
}

func TestBuildMaxPagesFitsScratch(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	if _, err := Build(mem, MaxPages); err != nil {
		t.Fatalf("Build(MaxPages): %v", err)
	}
}
