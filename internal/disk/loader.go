// Package disk loads the kernel image from the boot device. The primary
// strategy is extended (LBA) addressing; legacy CHS addressing is the
// fallback when the firmware rejects or repeatedly fails the extended
// service.
package disk

import (
	"errors"
	"fmt"

	"github.com/metalboot/stage2/internal/firmware"
	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

// ErrReadFailed is returned when both read strategies are exhausted. This
// is a boot-time unrecoverable condition; there is no caller to retry.
var ErrReadFailed = errors.New("disk: all read strategies failed")

const (
	// MaxRetries bounds extended-read attempts before the CHS fallback.
	MaxRetries = 3

	// Geometry assumed for the CHS conversion.
	sectorsPerTrack  = 63
	headsPerCylinder = 16

	// The legacy read service cannot cross a 63-sector transfer.
	maxLegacySectors = 63
)

// ErrorState is the scratch diagnostics record: the last firmware error
// code and the retry counter. Overwritten on each attempt, read only for
// the failure report.
type ErrorState struct {
	LastCode uint8
	Retries  uint8
}

// Store writes the state at its fixed address.
func (s ErrorState) Store(mem physmem.Memory) error {
	layout.ErrorState.AssertWithin(layout.ErrorState.Base, 2)
	var buf [2]byte
	buf[0] = s.LastCode
	buf[1] = s.Retries
	_, err := mem.WriteAt(buf[:], int64(layout.ErrorState.Base))
	return err
}

// LoadErrorState reads the record back for diagnostics.
func LoadErrorState(mem physmem.Memory) (ErrorState, error) {
	var buf [2]byte
	if _, err := mem.ReadAt(buf[:], int64(layout.ErrorState.Base)); err != nil {
		return ErrorState{}, err
	}
	return ErrorState{LastCode: buf[0], Retries: buf[1]}, nil
}

// Loader drives the firmware disk services.
type Loader struct {
	svc   firmware.DiskService
	mem   physmem.Memory
	drive uint8

	state ErrorState
}

func NewLoader(svc firmware.DiskService, mem physmem.Memory, drive uint8) *Loader {
	return &Loader{svc: svc, mem: mem, drive: drive}
}

// State returns the current error state.
func (l *Loader) State() ErrorState { return l.state }

// Load reads count sectors starting at lba into segment:0000.
//
// Extended reads are attempted first. The codes "invalid command" and
// "unsupported track" mean the firmware does not support the extended
// service for this transfer and switch to CHS immediately; any other
// failure resets the drive and retries, up to MaxRetries attempts in
// total. Exhausting the retries falls through to CHS as well. The CHS
// strategy is issued once; there is no fallback beyond it.
func (l *Loader) Load(lba uint64, count uint16, segment uint16) error {
	var st firmware.DiskStatus
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			l.svc.Reset(l.drive)
		}
		st = l.extendedRead(lba, count, segment)
		if st.OK() {
			return nil
		}
		l.noteFailure(st.Code, uint8(attempt))
		if st.Code == firmware.DiskErrInvalidCommand || st.Code == firmware.DiskErrUnsupportedTrack {
			break
		}
	}

	st = l.legacyRead(lba, count, segment)
	if st.OK() {
		return nil
	}
	l.noteFailure(st.Code, l.state.Retries)
	return fmt.Errorf("disk: firmware error %#02x: %w", st.Code, ErrReadFailed)
}

func (l *Loader) extendedRead(lba uint64, count uint16, segment uint16) firmware.DiskStatus {
	packet := AddressPacket{
		Sectors: count,
		Segment: segment,
		LBA:     lba,
	}
	return l.svc.ExtendedRead(l.drive, packet.Encode())
}

func (l *Loader) legacyRead(lba uint64, count uint16, segment uint16) firmware.DiskStatus {
	cylinder, head, sector := chs(lba)
	if count > maxLegacySectors {
		count = maxLegacySectors
	}
	return l.svc.LegacyRead(l.drive, cylinder, head, sector, uint8(count), segment, 0)
}

func (l *Loader) noteFailure(code, retries uint8) {
	l.state.LastCode = code
	l.state.Retries = retries
	// Best effort: the error state is diagnostics, not control flow.
	_ = l.state.Store(l.mem)
}

// chs converts a logical block address using the standard 63/16 geometry
// assumption. Sector numbering is 1-based.
func chs(lba uint64) (cylinder uint16, head, sector uint8) {
	perCylinder := uint64(sectorsPerTrack * headsPerCylinder)
	cylinder = uint16(lba / perCylinder)
	rem := lba % perCylinder
	head = uint8(rem / sectorsPerTrack)
	sector = uint8(rem%sectorsPerTrack) + 1
	return cylinder, head, sector
}

// SectorBytes converts a sector count to a byte length.
func SectorBytes(sectors uint16) uint64 {
	return uint64(sectors) * layout.SectorSize
}
