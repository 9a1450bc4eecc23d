// Package gdt builds the loader's fixed descriptor table: null, 32-bit
// code, 32-bit data, 64-bit code, 64-bit data. The table is built once
// and never mutated at runtime.
package gdt

import (
	"encoding/binary"

	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

// Selectors into the fixed table.
const (
	SelectorCode32 = 0x08
	SelectorData32 = 0x10
	SelectorCode64 = 0x18
	SelectorData64 = 0x20
)

const (
	numDescriptors = 5
	descriptorSize = 8

	// Access bytes: present, ring 0, code/data.
	accessCode = 0x9A // execute/read
	accessData = 0x92 // read/write

	// Flag nibbles: G=4KiB granularity, D=32-bit default, L=long mode.
	flags32 = 0xC0
	flags64 = 0xA0
)

// Table is the encoded five-descriptor table.
type Table struct {
	raw [numDescriptors * descriptorSize]byte
}

// New builds the flat-model table. Every non-null descriptor spans the
// full 4 GiB limit with base zero.
func New() *Table {
	t := &Table{}
	encode(t.raw[SelectorCode32:], accessCode, flags32)
	encode(t.raw[SelectorData32:], accessData, flags32)
	encode(t.raw[SelectorCode64:], accessCode, flags64)
	encode(t.raw[SelectorData64:], accessData, flags32)
	return t
}

// encode writes a flat descriptor: base 0, limit 0xFFFFF with 4 KiB
// granularity.
func encode(buf []byte, access, flags uint8) {
	binary.LittleEndian.PutUint16(buf[0:], 0xFFFF) // limit 0:15
	// base 0:15, 16:23 stay zero
	buf[5] = access
	buf[6] = 0x0F | flags // limit 16:19 plus flag nibble
	// base 24:31 stays zero
}

func (t *Table) Bytes() []byte { return t.raw[:] }

// Limit is the value loaded into the descriptor-table register alongside
// the base.
func (t *Table) Limit() uint16 { return uint16(len(t.raw)) - 1 }

// Store writes the encoded table at its fixed address.
func (t *Table) Store(mem physmem.Memory) error {
	layout.GDT.AssertWithin(layout.GDT.Base, uint64(len(t.raw)))
	_, err := mem.WriteAt(t.raw[:], int64(layout.GDT.Base))
	return err
}
