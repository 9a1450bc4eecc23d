package machine

import (
	"io"

	"github.com/metalboot/stage2/internal/disk"
	"github.com/metalboot/stage2/internal/firmware"
	"github.com/metalboot/stage2/internal/layout"
)

// diskState backs the INT 13h surface with a sector-addressed image.
type diskState struct {
	image     io.ReaderAt
	imageSize int64

	noExtended     bool
	extendedFaults []uint8
	legacyFault    uint8
}

const (
	// Same geometry assumption the loader's CHS conversion uses.
	sectorsPerTrack  = 63
	headsPerCylinder = 16

	statusBadCommand     = firmware.DiskErrInvalidCommand
	statusSectorNotFound = 0x04
)

func fail(code uint8) firmware.DiskStatus {
	return firmware.DiskStatus{Carry: true, Code: code}
}

// ExtendedRead implements firmware.DiskService.
func (m *Machine) ExtendedRead(drive uint8, packet []byte) firmware.DiskStatus {
	m.stats.ExtendedReads++

	if m.disk.noExtended {
		return fail(firmware.DiskErrInvalidCommand)
	}
	if n := len(m.disk.extendedFaults); n > 0 {
		code := m.disk.extendedFaults[0]
		m.disk.extendedFaults = m.disk.extendedFaults[1:]
		if code != 0 {
			return fail(code)
		}
	}
	if drive != layout.BootDrive {
		return fail(statusBadCommand)
	}
	p, ok := disk.DecodePacket(packet)
	if !ok {
		return fail(statusBadCommand)
	}
	dest := uint64(p.Segment)<<4 + uint64(p.Offset)
	return m.readSectors(p.LBA, uint64(p.Sectors), dest)
}

// LegacyRead implements firmware.DiskService.
func (m *Machine) LegacyRead(drive uint8, cylinder uint16, head, sector, count uint8, segment, offset uint16) firmware.DiskStatus {
	m.stats.LegacyReads++

	if m.disk.legacyFault != 0 {
		return fail(m.disk.legacyFault)
	}
	if drive != layout.BootDrive || sector == 0 || count == 0 || count > sectorsPerTrack {
		return fail(statusBadCommand)
	}
	lba := (uint64(cylinder)*headsPerCylinder+uint64(head))*sectorsPerTrack + uint64(sector) - 1
	dest := uint64(segment)<<4 + uint64(offset)
	return m.readSectors(lba, uint64(count), dest)
}

// Reset implements firmware.DiskService.
func (m *Machine) Reset(drive uint8) firmware.DiskStatus {
	m.stats.Resets++
	return firmware.DiskStatus{}
}

func (m *Machine) readSectors(lba, count, dest uint64) firmware.DiskStatus {
	if m.disk.image == nil {
		return fail(statusSectorNotFound)
	}
	offset := int64(lba) * layout.SectorSize
	length := int64(count) * layout.SectorSize
	if offset+length > m.disk.imageSize {
		return fail(statusSectorNotFound)
	}
	buf := make([]byte, length)
	if _, err := m.disk.image.ReadAt(buf, offset); err != nil {
		return fail(firmware.DiskErrControllerFailed)
	}
	if _, err := m.mem.WriteAt(buf, int64(dest)); err != nil {
		return fail(firmware.DiskErrControllerFailed)
	}
	return firmware.DiskStatus{}
}
