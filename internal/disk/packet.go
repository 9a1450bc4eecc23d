package disk

import "encoding/binary"

// PacketSize is the encoded size of a disk address packet.
const PacketSize = 16

// AddressPacket describes one extended-read transfer. A fresh packet is
// built before every firmware call; the encoded form is what the firmware
// consumes.
type AddressPacket struct {
	Sectors uint16
	Offset  uint16
	Segment uint16
	LBA     uint64
}

// Encode renders the packet in the firmware's 16-byte layout: size byte,
// reserved byte, sector count, destination offset, destination segment,
// 64-bit start LBA, all little-endian.
func (p AddressPacket) Encode() []byte {
	buf := make([]byte, PacketSize)
	buf[0] = PacketSize
	binary.LittleEndian.PutUint16(buf[2:], p.Sectors)
	binary.LittleEndian.PutUint16(buf[4:], p.Offset)
	binary.LittleEndian.PutUint16(buf[6:], p.Segment)
	binary.LittleEndian.PutUint64(buf[8:], p.LBA)
	return buf
}

// DecodePacket parses an encoded address packet. Used by the machine
// emulation's disk service.
func DecodePacket(buf []byte) (AddressPacket, bool) {
	if len(buf) < PacketSize || buf[0] != PacketSize {
		return AddressPacket{}, false
	}
	return AddressPacket{
		Sectors: binary.LittleEndian.Uint16(buf[2:]),
		Offset:  binary.LittleEndian.Uint16(buf[4:]),
		Segment: binary.LittleEndian.Uint16(buf[6:]),
		LBA:     binary.LittleEndian.Uint64(buf[8:]),
	}, true
}
