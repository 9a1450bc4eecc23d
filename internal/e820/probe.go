package e820

import (
	"errors"
	"log/slog"

	"github.com/metalboot/stage2/internal/firmware"
)

// ErrNoMemoryMap would indicate every tier failed; it cannot happen in
// practice because the default tier always succeeds, but the prober keeps
// the error path honest.
var ErrNoMemoryMap = errors.New("e820: no probe strategy produced a map")

const (
	lowMemoryEnd = 0x9FC00 // conventional memory below the EBDA

	oneMiB = 1 << 20

	// Tier 4 assumes a conservative minimum when every firmware
	// interface fails or reports zero.
	defaultHighBytes = 15 * oneMiB
)

// Strategy is one probe tier: it either produces a complete map or
// reports that its firmware interface is unavailable. Outputs of
// different tiers are never mixed.
type Strategy interface {
	Name() string
	Attempt() (*Map, bool)
}

// Prober tries the tiers in priority order and stops at the first
// success.
type Prober struct {
	strategies []Strategy
}

// NewProber builds the standard four-tier chain over svc.
func NewProber(svc firmware.MemoryService) *Prober {
	return &Prober{strategies: []Strategy{
		&mapStrategy{svc: svc},
		&extendedStrategy{svc: svc},
		&legacyStrategy{svc: svc},
		defaultStrategy{},
	}}
}

// Probe returns the first tier's successful output. The default tier
// cannot fail, so the error is reserved for a misconfigured chain.
func (p *Prober) Probe() (*Map, error) {
	for _, s := range p.strategies {
		if m, ok := s.Attempt(); ok {
			slog.Debug("memory map probed", "tier", s.Name(), "entries", m.Len())
			return m, nil
		}
	}
	return nil, ErrNoMemoryMap
}

// mapStrategy is the preferred tier: full E820 iteration through the
// continuation-handle protocol.
type mapStrategy struct {
	svc firmware.MemoryService
}

func (s *mapStrategy) Name() string { return "e820" }

// Attempt iterates the firmware map service. A missing signature or a
// carry flag on any call aborts the whole tier: no partial map is
// trusted. Invalid entries are dropped, never stored.
func (s *mapStrategy) Attempt() (*Map, bool) {
	m := &Map{}
	buf := make([]byte, EntrySize)

	var continuation uint32
	for {
		res := s.svc.QueryMap(continuation, buf)
		if res.Carry || res.Signature != firmware.SMAPSignature {
			return nil, false
		}
		if res.Length >= 20 {
			e := decodeEntry(buf[:res.Length])
			if e.Valid() && !m.Append(e) {
				break // cap reached
			}
		}
		if res.Continuation == 0 {
			break
		}
		continuation = res.Continuation
	}

	// Second full pass: re-validate and recompact, rewriting the count
	// to the surviving entries only.
	m.Compact()
	if m.Len() == 0 {
		return nil, false
	}
	return m, true
}

// extendedStrategy is the coarse two-value fallback (E801).
type extendedStrategy struct {
	svc firmware.MemoryService
}

func (s *extendedStrategy) Name() string { return "e801" }

func (s *extendedStrategy) Attempt() (*Map, bool) {
	lowKB, high64K, ok := s.svc.QueryExtended()
	if !ok {
		return nil, false
	}
	highBytes := uint64(lowKB)*1024 + uint64(high64K)*65536
	if highBytes == 0 {
		return nil, false
	}
	m := &Map{}
	m.Append(Entry{Base: 0, Length: lowMemoryEnd, Type: TypeUsable})
	m.Append(Entry{Base: oneMiB, Length: highBytes, Type: TypeUsable})
	return m, true
}

// legacyStrategy is the single-value fallback (AH=88h).
type legacyStrategy struct {
	svc firmware.MemoryService
}

func (s *legacyStrategy) Name() string { return "int88" }

func (s *legacyStrategy) Attempt() (*Map, bool) {
	kb, ok := s.svc.QueryLegacy()
	if !ok || kb == 0 {
		return nil, false
	}
	m := &Map{}
	m.Append(Entry{Base: oneMiB, Length: uint64(kb) * 1024, Type: TypeUsable})
	return m, true
}

// defaultStrategy is the last resort: a conservative fixed assumption.
type defaultStrategy struct{}

func (defaultStrategy) Name() string { return "default" }

func (defaultStrategy) Attempt() (*Map, bool) {
	m := &Map{}
	m.Append(Entry{Base: oneMiB, Length: defaultHighBytes, Type: TypeUsable})
	return m, true
}
