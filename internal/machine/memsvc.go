package machine

import (
	"github.com/metalboot/stage2/internal/e820"
	"github.com/metalboot/stage2/internal/firmware"
)

// memState backs the tiered INT 15h memory queries.
type memState struct {
	entries []e820.Entry
	ramSize uint64

	noE820   bool
	noE801   bool
	noLegacy bool
}

const (
	lowMemoryEnd = 0x9FC00
	oneMiB       = 1 << 20
	sixteenMiB   = 16 << 20
)

// DefaultMemoryMap synthesises the table a conventional BIOS reports for
// a machine with ramSize bytes: conventional memory, the EBDA/ROM hole,
// and the extended region above 1 MiB.
func DefaultMemoryMap(ramSize uint64) []e820.Entry {
	entries := []e820.Entry{
		{Base: 0, Length: lowMemoryEnd, Type: e820.TypeUsable},
		{Base: lowMemoryEnd, Length: oneMiB - lowMemoryEnd, Type: e820.TypeReserved},
	}
	if ramSize > oneMiB {
		entries = append(entries, e820.Entry{
			Base:   oneMiB,
			Length: ramSize - oneMiB,
			Type:   e820.TypeUsable,
		})
	}
	return entries
}

// QueryMap implements firmware.MemoryService.
func (m *Machine) QueryMap(continuation uint32, buf []byte) firmware.E820Result {
	m.stats.MapQueries++

	if m.memsvc.noE820 || int(continuation) >= len(m.memsvc.entries) {
		return firmware.E820Result{Carry: true}
	}
	e := m.memsvc.entries[continuation]
	if len(buf) < e820.EntrySize {
		return firmware.E820Result{Carry: true}
	}
	e.EncodeInto(buf)

	next := continuation + 1
	if int(next) >= len(m.memsvc.entries) {
		next = 0
	}
	return firmware.E820Result{
		Signature:    firmware.SMAPSignature,
		Continuation: next,
		Length:       e820.EntrySize,
	}
}

// QueryExtended implements firmware.MemoryService.
func (m *Machine) QueryExtended() (lowKB, high64K uint16, ok bool) {
	if m.memsvc.noE801 {
		return 0, 0, false
	}
	size := m.memsvc.ramSize
	if size <= oneMiB {
		return 0, 0, false
	}
	if size > sixteenMiB {
		lowKB = (sixteenMiB - oneMiB) / 1024
		high := (size - sixteenMiB) / 65536
		if high > 0xFFFF {
			high = 0xFFFF
		}
		high64K = uint16(high)
	} else {
		lowKB = uint16((size - oneMiB) / 1024)
	}
	return lowKB, high64K, true
}

// QueryLegacy implements firmware.MemoryService.
func (m *Machine) QueryLegacy() (uint16, bool) {
	if m.memsvc.noLegacy {
		return 0, false
	}
	size := m.memsvc.ramSize
	if size <= oneMiB {
		return 0, false
	}
	kb := (size - oneMiB) / 1024
	if kb > 0xFFFF {
		kb = 0xFFFF
	}
	return uint16(kb), true
}
