// Package vga renders loader diagnostics into the direct-memory text
// display: 80x25 character+attribute cells. Rendering is observability
// only: every store is asserted to stay inside the display region so a
// reporting bug can never corrupt loader state.
package vga

import (
	"io"

	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

// Display attributes (foreground on black unless noted).
const (
	AttrNormal  = 0x07
	AttrBright  = 0x0F
	AttrInfo    = 0x0B // cyan
	AttrGood    = 0x0A // green
	AttrWarning = 0x0E // yellow
	AttrError   = 0x4F // white on red
)

// Path distinguishes the two output environments: the segment:offset
// addressing model used before the mode transitions and the flat linear
// model used after. The physical cells are the same either way.
type Path int

const (
	PathRealMode Path = iota
	PathFlat
)

// Console writes text into the display cells.
type Console struct {
	mem  physmem.Memory
	path Path
	x, y int
	attr byte
}

// NewRealMode returns the console for the pre-transition phase. The cell
// base is computed segment-style: 0xB800 << 4.
func NewRealMode(mem physmem.Memory) *Console {
	return &Console{mem: mem, path: PathRealMode, attr: AttrNormal}
}

// NewFlat returns the console for the post-transition phase, addressing
// the cells through the identity-mapped linear address.
func NewFlat(mem physmem.Memory) *Console {
	return &Console{mem: mem, path: PathFlat, attr: AttrNormal}
}

func (c *Console) base() uint64 {
	if c.path == PathRealMode {
		return 0xB800 << 4
	}
	return layout.VGATextAddr
}

// SetAttr changes the attribute used for subsequent writes.
func (c *Console) SetAttr(attr byte) { c.attr = attr }

// Position returns the cursor cell.
func (c *Console) Position() (int, int) { return c.x, c.y }

// SetPosition moves the cursor, clipping to the display bounds.
func (c *Console) SetPosition(x, y int) {
	if x < 0 {
		x = 0
	}
	if x >= layout.VGATextColumns {
		x = layout.VGATextColumns - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= layout.VGATextRows {
		y = layout.VGATextRows - 1
	}
	c.x, c.y = x, y
}

// Clear blanks every cell and homes the cursor.
func (c *Console) Clear() {
	buf := make([]byte, layout.VGATextColumns*layout.VGATextRows*2)
	for i := 0; i < len(buf); i += 2 {
		buf[i] = ' '
		buf[i+1] = AttrNormal
	}
	c.store(c.base(), buf)
	c.x, c.y = 0, 0
}

func (c *Console) store(addr uint64, buf []byte) {
	layout.VGAText.AssertWithin(addr, uint64(len(buf)))
	// The display is best-effort; a failed store must not influence
	// control flow.
	_, _ = c.mem.WriteAt(buf, int64(addr))
}

// WriteByte places one character at the cursor, handling newline and
// scrolling.
func (c *Console) WriteByte(b byte) error {
	if b == '\n' {
		c.x = 0
		c.y++
	} else {
		addr := c.base() + uint64(c.y*layout.VGATextColumns+c.x)*2
		c.store(addr, []byte{b, c.attr})
		c.x++
		if c.x >= layout.VGATextColumns {
			c.x = 0
			c.y++
		}
	}
	if c.y >= layout.VGATextRows {
		c.scroll()
		c.y = layout.VGATextRows - 1
	}
	return nil
}

func (c *Console) scroll() {
	rowBytes := layout.VGATextColumns * 2
	screen := make([]byte, rowBytes*layout.VGATextRows)
	if _, err := c.mem.ReadAt(screen, int64(c.base())); err != nil {
		return
	}
	copy(screen, screen[rowBytes:])
	blank := screen[len(screen)-rowBytes:]
	for i := 0; i < rowBytes; i += 2 {
		blank[i] = ' '
		blank[i+1] = AttrNormal
	}
	c.store(c.base(), screen)
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		_ = c.WriteByte(b)
	}
	return len(p), nil
}

// WriteString renders s at the cursor.
func (c *Console) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		_ = c.WriteByte(s[i])
	}
}

// Println renders s followed by a newline.
func (c *Console) Println(s string) {
	c.WriteString(s)
	_ = c.WriteByte('\n')
}

const hexDigits = "0123456789ABCDEF"

// WriteHex32 renders v as eight uppercase hex digits.
func (c *Console) WriteHex32(v uint32) {
	for shift := 28; shift >= 0; shift -= 4 {
		_ = c.WriteByte(hexDigits[(v>>uint(shift))&0xF])
	}
}

// WriteHex64 renders v as sixteen uppercase hex digits.
func (c *Console) WriteHex64(v uint64) {
	c.WriteHex32(uint32(v >> 32))
	c.WriteHex32(uint32(v))
}

// WriteHexByte renders v as two uppercase hex digits.
func (c *Console) WriteHexByte(v byte) {
	_ = c.WriteByte(hexDigits[v>>4])
	_ = c.WriteByte(hexDigits[v&0xF])
}

// WriteDecimal renders v in base ten.
func (c *Console) WriteDecimal(v uint64) {
	if v == 0 {
		_ = c.WriteByte('0')
		return
	}
	var digits [20]byte
	n := 0
	for v > 0 {
		digits[n] = '0' + byte(v%10)
		v /= 10
		n++
	}
	for n > 0 {
		n--
		_ = c.WriteByte(digits[n])
	}
}

// Cell is one character+attribute pair, used by snapshot consumers.
type Cell struct {
	Char byte
	Attr byte
}

// Snapshot copies the current display contents. Reading never disturbs
// the cells.
func Snapshot(mem physmem.Memory) ([][]Cell, error) {
	buf := make([]byte, layout.VGATextColumns*layout.VGATextRows*2)
	if _, err := mem.ReadAt(buf, int64(layout.VGATextAddr)); err != nil {
		return nil, err
	}
	rows := make([][]Cell, layout.VGATextRows)
	for y := range rows {
		row := make([]Cell, layout.VGATextColumns)
		for x := range row {
			off := (y*layout.VGATextColumns + x) * 2
			row[x] = Cell{Char: buf[off], Attr: buf[off+1]}
		}
		rows[y] = row
	}
	return rows, nil
}

var _ io.Writer = (*Console)(nil)
var _ io.ByteWriter = (*Console)(nil)
