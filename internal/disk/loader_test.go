package disk

import (
	"errors"
	"testing"

	"github.com/metalboot/stage2/internal/firmware"
	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/physmem"
)

// stubDisk scripts extended-read outcomes and records every service call.
type stubDisk struct {
	extendedCodes []uint8 // consumed per call; 0 means success
	legacyCode    uint8   // 0 means success

	extendedCalls int
	legacyCalls   int
	resetCalls    int

	lastPacket []byte
	lastCHS    struct {
		cylinder uint16
		head     uint8
		sector   uint8
		count    uint8
	}
}

func (s *stubDisk) ExtendedRead(drive uint8, packet []byte) firmware.DiskStatus {
	s.extendedCalls++
	s.lastPacket = append([]byte(nil), packet...)
	if len(s.extendedCodes) == 0 {
		return firmware.DiskStatus{}
	}
	code := s.extendedCodes[0]
	s.extendedCodes = s.extendedCodes[1:]
	if code == 0 {
		return firmware.DiskStatus{}
	}
	return firmware.DiskStatus{Carry: true, Code: code}
}

func (s *stubDisk) LegacyRead(drive uint8, cylinder uint16, head, sector, count uint8, segment, offset uint16) firmware.DiskStatus {
	s.legacyCalls++
	s.lastCHS.cylinder = cylinder
	s.lastCHS.head = head
	s.lastCHS.sector = sector
	s.lastCHS.count = count
	if s.legacyCode != 0 {
		return firmware.DiskStatus{Carry: true, Code: s.legacyCode}
	}
	return firmware.DiskStatus{}
}

func (s *stubDisk) Reset(drive uint8) firmware.DiskStatus {
	s.resetCalls++
	return firmware.DiskStatus{}
}

func testMem() physmem.Memory { return physmem.NewBuffer(1 << 20) }

func TestLoadFirstTrySuccess(t *testing.T) {
	svc := &stubDisk{}
	l := NewLoader(svc, testMem(), layout.BootDrive)

	if err := l.Load(66, 32, layout.KernelTempSegment); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if svc.extendedCalls != 1 {
		t.Errorf("extended calls = %d, want 1", svc.extendedCalls)
	}
	if svc.resetCalls != 0 || svc.legacyCalls != 0 {
		t.Errorf("resets = %d, legacy reads = %d, want none", svc.resetCalls, svc.legacyCalls)
	}
}

func TestLoadNonRetryableSwitchesToCHSImmediately(t *testing.T) {
	for _, code := range []uint8{firmware.DiskErrInvalidCommand, firmware.DiskErrUnsupportedTrack} {
		svc := &stubDisk{extendedCodes: []uint8{code}}
		l := NewLoader(svc, testMem(), layout.BootDrive)

		if err := l.Load(66, 32, layout.KernelTempSegment); err != nil {
			t.Fatalf("code %#02x: Load: %v", code, err)
		}
		if svc.extendedCalls != 1 {
			t.Errorf("code %#02x: extended calls = %d, want 1", code, svc.extendedCalls)
		}
		if svc.resetCalls != 0 {
			t.Errorf("code %#02x: resets = %d, want 0", code, svc.resetCalls)
		}
		if svc.legacyCalls != 1 {
			t.Errorf("code %#02x: legacy reads = %d, want 1", code, svc.legacyCalls)
		}
	}
}

func TestLoadRetryableExhaustsRetriesThenFallsBack(t *testing.T) {
	svc := &stubDisk{extendedCodes: []uint8{
		firmware.DiskErrControllerFailed,
		firmware.DiskErrControllerFailed,
		firmware.DiskErrControllerFailed,
	}}
	l := NewLoader(svc, testMem(), layout.BootDrive)

	if err := l.Load(66, 32, layout.KernelTempSegment); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if svc.extendedCalls != MaxRetries {
		t.Errorf("extended calls = %d, want %d", svc.extendedCalls, MaxRetries)
	}
	if svc.resetCalls != MaxRetries-1 {
		t.Errorf("resets = %d, want %d", svc.resetCalls, MaxRetries-1)
	}
	if svc.legacyCalls != 1 {
		t.Errorf("legacy reads = %d, want 1", svc.legacyCalls)
	}
}

func TestLoadRetrySucceedsMidway(t *testing.T) {
	svc := &stubDisk{extendedCodes: []uint8{firmware.DiskErrTimeout, 0}}
	l := NewLoader(svc, testMem(), layout.BootDrive)

	if err := l.Load(66, 32, layout.KernelTempSegment); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if svc.extendedCalls != 2 || svc.resetCalls != 1 || svc.legacyCalls != 0 {
		t.Errorf("calls = ext %d, reset %d, legacy %d; want 2, 1, 0",
			svc.extendedCalls, svc.resetCalls, svc.legacyCalls)
	}
}

func TestLoadBothStrategiesFail(t *testing.T) {
	svc := &stubDisk{
		extendedCodes: []uint8{
			firmware.DiskErrSeekFailed,
			firmware.DiskErrSeekFailed,
			firmware.DiskErrSeekFailed,
		},
		legacyCode: firmware.DiskErrControllerFailed,
	}
	mem := testMem()
	l := NewLoader(svc, mem, layout.BootDrive)

	err := l.Load(66, 32, layout.KernelTempSegment)
	if !errors.Is(err, ErrReadFailed) {
		t.Fatalf("Load error = %v, want ErrReadFailed", err)
	}

	st, err := LoadErrorState(mem)
	if err != nil {
		t.Fatalf("LoadErrorState: %v", err)
	}
	if st.LastCode != firmware.DiskErrControllerFailed {
		t.Errorf("recorded code = %#02x, want %#02x", st.LastCode, firmware.DiskErrControllerFailed)
	}
}

func TestLegacyReadClampsSectorCount(t *testing.T) {
	svc := &stubDisk{extendedCodes: []uint8{firmware.DiskErrInvalidCommand}}
	l := NewLoader(svc, testMem(), layout.BootDrive)

	if err := l.Load(0, 100, layout.KernelTempSegment); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if svc.lastCHS.count != 63 {
		t.Errorf("legacy count = %d, want 63", svc.lastCHS.count)
	}
}

func TestCHSConversion(t *testing.T) {
	tests := []struct {
		lba      uint64
		cylinder uint16
		head     uint8
		sector   uint8
	}{
		{0, 0, 0, 1},
		{62, 0, 0, 63},
		{63, 0, 1, 1},
		{1007, 0, 15, 63},
		{1008, 1, 0, 1},
		{66, 0, 1, 4},
	}
	for _, tt := range tests {
		c, h, s := chs(tt.lba)
		if c != tt.cylinder || h != tt.head || s != tt.sector {
			t.Errorf("chs(%d) = (%d, %d, %d), want (%d, %d, %d)",
				tt.lba, c, h, s, tt.cylinder, tt.head, tt.sector)
		}
	}
}

func TestAddressPacketRoundTrip(t *testing.T) {
	p := AddressPacket{Sectors: 63, Offset: 0, Segment: 0x1000, LBA: 66}
	raw := p.Encode()
	if len(raw) != PacketSize {
		t.Fatalf("packet length = %d, want %d", len(raw), PacketSize)
	}
	if raw[0] != PacketSize {
		t.Errorf("size byte = %d, want %d", raw[0], PacketSize)
	}
	got, ok := DecodePacket(raw)
	if !ok {
		t.Fatal("DecodePacket rejected a freshly encoded packet")
	}
	if got != p {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
}
