// Package kernel verifies that the loaded blob is a genuine kernel image.
// This is integrity/identity checking, not authenticity: any blob carrying
// the magic pattern at an aligned offset is accepted, and nothing past the
// matching word is checksummed.
package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/metalboot/stage2/internal/physmem"
)

const (
	// Signature is the 28-bit constant expected in the low bits of an
	// 8-byte-aligned word within the scan bound.
	Signature     = 0x0B007AB1
	signatureMask = 0x0FFFFFFF

	scanStep  = 8
	scanBound = 64 * 1024
)

var (
	// ErrNoSignature means the image failed verification. Kept distinct
	// from disk-load failure so an operator can tell the two apart.
	ErrNoSignature = errors.New("kernel: signature not found in image")

	// ErrNotLoaded means the post-relocation check read all-zero bytes
	// at the kernel's final address.
	ErrNotLoaded = errors.New("kernel: not loaded or invalid")
)

// FindSignature scans raw image bytes in 8-byte-aligned steps and returns
// the offset of the first signature match.
func FindSignature(img []byte) (int, bool) {
	limit := len(img)
	if limit > scanBound {
		limit = scanBound
	}
	for off := 0; off+scanStep <= limit; off += scanStep {
		word := binary.LittleEndian.Uint64(img[off:])
		if uint32(word)&signatureMask == Signature {
			return off, true
		}
	}
	return 0, false
}

// Verify scans the image at base for the signature over the lesser of
// 64 KiB and the image size. It returns the matching offset.
func Verify(mem physmem.Memory, base, size uint64) (uint64, error) {
	if size > scanBound {
		size = scanBound
	}
	img := make([]byte, size)
	if _, err := mem.ReadAt(img, int64(base)); err != nil {
		return 0, fmt.Errorf("kernel: read image for verification: %w", err)
	}
	off, ok := FindSignature(img)
	if !ok {
		return 0, ErrNoSignature
	}
	return uint64(off), nil
}

// CheckPresent re-reads the first 8 bytes at base after relocation. An
// all-zero word means the copy silently failed and the jump must not be
// taken.
func CheckPresent(mem physmem.Memory, base uint64) error {
	word, err := physmem.ReadU64(mem, base)
	if err != nil {
		return fmt.Errorf("kernel: presence check: %w", err)
	}
	if word == 0 {
		return ErrNotLoaded
	}
	return nil
}
