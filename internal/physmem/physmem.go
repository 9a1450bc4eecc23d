// Package physmem provides the byte-addressed physical memory surface the
// loader stages operate on. Offsets are physical addresses; there is no
// translation because the loader runs identity-mapped throughout.
package physmem

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Memory is a physical memory region addressed from zero.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// Buffer is an in-memory Memory implementation.
type Buffer struct {
	data []byte
}

func NewBuffer(size uint64) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// ReadAt implements Memory.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.data)) {
		return 0, fmt.Errorf("physmem: read at %#x outside memory of %#x bytes", off, len(b.data))
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// WriteAt implements Memory.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.data)) {
		return 0, fmt.Errorf("physmem: write at %#x outside memory of %#x bytes", off, len(b.data))
	}
	n := copy(b.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func ReadU16(m Memory, addr uint64) (uint16, error) {
	var buf [2]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func ReadU32(m Memory, addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func ReadU64(m Memory, addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func WriteU32(m Memory, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

func WriteU64(m Memory, addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

// Zero clears size bytes starting at addr.
func Zero(m Memory, addr, size uint64) error {
	buf := make([]byte, size)
	_, err := m.WriteAt(buf, int64(addr))
	return err
}

// Copy moves size bytes from src to dst inside the same memory. The ranges
// must not overlap; the loader only ever relocates upward past the source.
func Copy(m Memory, dst, src, size uint64) error {
	buf := make([]byte, size)
	if _, err := m.ReadAt(buf, int64(src)); err != nil {
		return fmt.Errorf("physmem: copy read: %w", err)
	}
	if _, err := m.WriteAt(buf, int64(dst)); err != nil {
		return fmt.Errorf("physmem: copy write: %w", err)
	}
	return nil
}

// Equal compares size bytes at the two addresses.
func Equal(m Memory, a, b, size uint64) (bool, error) {
	bufA := make([]byte, size)
	bufB := make([]byte, size)
	if _, err := m.ReadAt(bufA, int64(a)); err != nil {
		return false, err
	}
	if _, err := m.ReadAt(bufB, int64(b)); err != nil {
		return false, err
	}
	for i := range bufA {
		if bufA[i] != bufB[i] {
			return false, nil
		}
	}
	return true, nil
}
