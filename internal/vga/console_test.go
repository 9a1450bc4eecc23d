package vga

import (
	"testing"

	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

func cellAt(t *testing.T, mem physmem.Memory, x, y int) Cell {
	t.Helper()
	var buf [2]byte
	addr := layout.VGATextAddr + uint64(y*layout.VGATextColumns+x)*2
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("read cell (%d, %d): %v", x, y, err)
	}
	return Cell{Char: buf[0], Attr: buf[1]}
}

func TestBothPathsHitTheSameCells(t *testing.T) {
	for _, tt := range []struct {
		name string
		cons func(physmem.Memory) *Console
	}{
		{"real mode", NewRealMode},
		{"flat", NewFlat},
	} {
		t.Run(tt.name, func(t *testing.T) {
			mem := physmem.NewBuffer(1 << 20)
			c := tt.cons(mem)
			c.WriteString("ok")
			if got := cellAt(t, mem, 0, 0); got.Char != 'o' || got.Attr != AttrNormal {
				t.Errorf("cell (0,0) = %+v", got)
			}
			if got := cellAt(t, mem, 1, 0); got.Char != 'k' {
				t.Errorf("cell (1,0) = %+v", got)
			}
		})
	}
}

func TestWritesStayInsideDisplayRegion(t *testing.T) {
	mem := physmem.NewBuffer(2 << 20)
	guardAddr := int64(layout.VGAText.End())
	guard := []byte{0xA5, 0xA5, 0xA5, 0xA5}
	if _, err := mem.WriteAt(guard, guardAddr); err != nil {
		t.Fatal(err)
	}

	c := NewFlat(mem)
	c.Clear()
	for i := 0; i < layout.VGATextRows*3; i++ {
		c.Println("line after line after line")
	}

	got := make([]byte, len(guard))
	if _, err := mem.ReadAt(got, guardAddr); err != nil {
		t.Fatal(err)
	}
	for i := range guard {
		if got[i] != guard[i] {
			t.Fatalf("byte %d past the display corrupted: %#x", i, got[i])
		}
	}
}

func TestNewlineAndWrap(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	c := NewFlat(mem)
	c.Println("a")
	if x, y := c.Position(); x != 0 || y != 1 {
		t.Errorf("cursor after newline = (%d, %d), want (0, 1)", x, y)
	}
	for i := 0; i < layout.VGATextColumns; i++ {
		_ = c.WriteByte('x')
	}
	if x, y := c.Position(); x != 0 || y != 2 {
		t.Errorf("cursor after full row = (%d, %d), want (0, 2)", x, y)
	}
}

func TestScrollKeepsLastLine(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	c := NewFlat(mem)
	c.Clear()
	for i := 0; i < layout.VGATextRows+1; i++ {
		c.WriteDecimal(uint64(i))
		_ = c.WriteByte('\n')
	}
	if _, y := c.Position(); y != layout.VGATextRows-1 {
		t.Fatalf("cursor row = %d, want %d", y, layout.VGATextRows-1)
	}
	// Row 0 scrolled away; the first visible row now starts with "1".
	if got := cellAt(t, mem, 0, 0); got.Char != '1' {
		t.Errorf("top-left after scroll = %q", got.Char)
	}
}

func TestHexRendering(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	c := NewFlat(mem)
	c.WriteHex32(0x00B8DEAD)
	want := "00B8DEAD"
	for i := 0; i < len(want); i++ {
		if got := cellAt(t, mem, i, 0); got.Char != want[i] {
			t.Errorf("digit %d = %q, want %q", i, got.Char, want[i])
		}
	}
}

func TestAttrApplied(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	c := NewFlat(mem)
	c.SetAttr(AttrError)
	c.WriteString("!")
	if got := cellAt(t, mem, 0, 0); got.Attr != AttrError {
		t.Errorf("attr = %#x, want %#x", got.Attr, AttrError)
	}
}

func TestSnapshotDoesNotDisturbCells(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	c := NewFlat(mem)
	c.WriteString("hello")

	cells, err := Snapshot(mem)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(cells) != layout.VGATextRows || len(cells[0]) != layout.VGATextColumns {
		t.Fatalf("snapshot is %dx%d", len(cells), len(cells[0]))
	}
	if cells[0][0].Char != 'h' {
		t.Errorf("snapshot cell (0,0) = %q", cells[0][0].Char)
	}
	if got := cellAt(t, mem, 0, 0); got.Char != 'h' {
		t.Errorf("cell changed by snapshot: %q", got.Char)
	}
}
