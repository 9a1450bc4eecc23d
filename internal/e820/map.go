// Package e820 discovers and canonicalises the physical memory layout
// through the tiered firmware queries.
package e820

import (
	"encoding/binary"
	"fmt"

	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

// Firmware-defined entry type codes. Codes above TypeBad up to the
// extended ceiling are OEM/ACPI extensions: surfaced as "unknown" for
// reporting but retained as valid memory.
const (
	TypeUsable          = 1
	TypeReserved        = 2
	TypeACPIReclaimable = 3
	TypeACPINVS         = 4
	TypeBad             = 5

	maxKnownType = 12
)

// EntrySize is the fixed firmware layout: base, length, type, attributes.
const EntrySize = layout.MemoryMapEntrySize

// Entry is one firmware memory map record.
type Entry struct {
	Base   uint64
	Length uint64
	Type   uint32
	Attrs  uint32
}

func (e Entry) End() uint64 { return e.Base + e.Length }

// Valid applies the per-entry validation rules: the type code must be
// non-zero and within the extended ceiling, the base and length must not
// reach into the >=1 TiB range, and the length must be non-zero.
func (e Entry) Valid() bool {
	if e.Type == 0 || e.Type > maxKnownType {
		return false
	}
	if e.Base>>32 >= 0x100 {
		return false
	}
	if e.Length == 0 {
		return false
	}
	if e.Length>>32 >= 0x100 {
		return false
	}
	return true
}

// TypeLabel returns the human-readable label for a type code.
func TypeLabel(t uint32) string {
	switch t {
	case TypeUsable:
		return "usable"
	case TypeReserved:
		return "reserved"
	case TypeACPIReclaimable:
		return "acpi-reclaim"
	case TypeACPINVS:
		return "acpi-nvs"
	case TypeBad:
		return "bad"
	default:
		return "unknown"
	}
}

func decodeEntry(buf []byte) Entry {
	e := Entry{
		Base:   binary.LittleEndian.Uint64(buf[0:]),
		Length: binary.LittleEndian.Uint64(buf[8:]),
		Type:   binary.LittleEndian.Uint32(buf[16:]),
	}
	if len(buf) >= EntrySize {
		e.Attrs = binary.LittleEndian.Uint32(buf[20:])
	}
	return e
}

// DecodeEntry parses an entry from the firmware's 24-byte layout. A
// 20-byte record (no attributes) is accepted the way real firmware
// requires.
func DecodeEntry(buf []byte) Entry { return decodeEntry(buf) }

// EncodeInto renders the entry in the firmware's 24-byte layout.
func (e Entry) EncodeInto(buf []byte) { encodeEntry(buf, e) }

func encodeEntry(buf []byte, e Entry) {
	binary.LittleEndian.PutUint64(buf[0:], e.Base)
	binary.LittleEndian.PutUint64(buf[8:], e.Length)
	binary.LittleEndian.PutUint32(buf[16:], e.Type)
	binary.LittleEndian.PutUint32(buf[20:], e.Attrs)
}

// Map is the canonical count-prefixed memory map. The stored count always
// equals the number of entries that passed validation.
type Map struct {
	entries []Entry
}

// Append adds an entry if the cap allows it, reporting whether it was
// stored.
func (m *Map) Append(e Entry) bool {
	if len(m.entries) >= layout.MemoryMapMaxEntries {
		return false
	}
	m.entries = append(m.entries, e)
	return true
}

func (m *Map) Len() int         { return len(m.entries) }
func (m *Map) Entries() []Entry { return m.entries }

// Compact re-validates every stored entry, merges adjacent entries of the
// same type, and rewrites the count to the survivors only.
func (m *Map) Compact() {
	out := m.entries[:0]
	for _, e := range m.entries {
		if !e.Valid() {
			continue
		}
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.Type == e.Type && prev.End() == e.Base {
				prev.Length += e.Length
				continue
			}
		}
		out = append(out, e)
	}
	m.entries = out
}

// HighestUsable returns the largest end address among usable entries, or
// zero when none exist.
func (m *Map) HighestUsable() uint64 {
	var highest uint64
	for _, e := range m.entries {
		if e.Type != TypeUsable {
			continue
		}
		if end := e.End(); end > highest {
			highest = end
		}
	}
	return highest
}

// Store serialises the map at its fixed address: a 32-bit count followed
// by the packed entries. Produced once; read-only afterward.
func (m *Map) Store(mem physmem.Memory) error {
	size := uint64(4 + len(m.entries)*EntrySize)
	layout.MemoryMap.AssertWithin(layout.MemoryMap.Base, size)

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(m.entries)))
	for i, e := range m.entries {
		encodeEntry(buf[4+i*EntrySize:], e)
	}
	if _, err := mem.WriteAt(buf, int64(layout.MemoryMap.Base)); err != nil {
		return fmt.Errorf("e820: store map: %w", err)
	}
	return nil
}

// LoadMap reads the stored map back. Later stages and diagnostics use
// this; they never mutate the stored bytes.
func LoadMap(mem physmem.Memory) (*Map, error) {
	count, err := physmem.ReadU32(mem, layout.MemoryMap.Base)
	if err != nil {
		return nil, fmt.Errorf("e820: load count: %w", err)
	}
	if count > layout.MemoryMapMaxEntries {
		return nil, fmt.Errorf("e820: stored count %d exceeds cap %d", count, layout.MemoryMapMaxEntries)
	}
	m := &Map{}
	buf := make([]byte, EntrySize)
	for i := uint32(0); i < count; i++ {
		addr := layout.MemoryMap.Base + 4 + uint64(i)*EntrySize
		if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
			return nil, fmt.Errorf("e820: load entry %d: %w", i, err)
		}
		m.entries = append(m.entries, decodeEntry(buf))
	}
	return m, nil
}
