package layout

import (
	"testing"
)

func TestRegionsDoNotOverlap(t *testing.T) {
	regions := Regions()
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.Base < b.End() && b.Base < a.End() {
				t.Errorf("regions %q [%#x, %#x) and %q [%#x, %#x) overlap",
					a.Name, a.Base, a.End(), b.Name, b.Base, b.End())
			}
		}
	}
}

func TestRegionsAscending(t *testing.T) {
	regions := Regions()
	for i := 1; i < len(regions); i++ {
		if regions[i].Base < regions[i-1].Base {
			t.Errorf("region %q at %#x listed after %q at %#x",
				regions[i].Name, regions[i].Base, regions[i-1].Name, regions[i-1].Base)
		}
	}
}

func TestContains(t *testing.T) {
	r := Region{Name: "test", Base: 0x1000, Size: 0x100}
	tests := []struct {
		name string
		addr uint64
		size uint64
		want bool
	}{
		{"whole region", 0x1000, 0x100, true},
		{"interior", 0x1080, 0x10, true},
		{"last byte", 0x10FF, 1, true},
		{"below", 0xFFF, 1, false},
		{"past end", 0x1100, 1, false},
		{"straddles end", 0x10F0, 0x20, false},
		{"size overflow", 0x1000, ^uint64(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Contains(tt.addr, tt.size); got != tt.want {
				t.Errorf("Contains(%#x, %#x) = %v, want %v", tt.addr, tt.size, got, tt.want)
			}
		})
	}
}

func TestAssertWithinPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-region write")
		}
	}()
	MemoryMap.AssertWithin(MemoryMap.End(), 1)
}

func TestKernelTempFitsBelowPageTables(t *testing.T) {
	if KernelTemp.End() > PageTables.Base {
		t.Fatalf("kernel temp region ends at %#x, page tables start at %#x",
			KernelTemp.End(), PageTables.Base)
	}
}
