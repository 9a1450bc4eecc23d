package kernel

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/metalboot/stage2/internal/physmem"
)

func imageWithSignature(size int, off int) []byte {
	img := make([]byte, size)
	binary.LittleEndian.PutUint64(img[off:], uint64(Signature))
	return img
}

func TestFindSignatureAligned(t *testing.T) {
	for _, off := range []int{0, 8, 64, 65528} {
		img := imageWithSignature(64*1024, off)
		got, ok := FindSignature(img)
		if !ok {
			t.Errorf("offset %d: signature not found", off)
			continue
		}
		if got != off {
			t.Errorf("offset %d: found at %d", off, got)
		}
	}
}

func TestFindSignatureUnaligned(t *testing.T) {
	// The scan steps in whole words; a signature off the 8-byte grid
	// must not verify.
	img := imageWithSignature(4096, 12)
	if off, ok := FindSignature(img); ok {
		t.Errorf("unaligned signature verified at offset %d", off)
	}
}

func TestFindSignatureMasksHighNibble(t *testing.T) {
	img := make([]byte, 4096)
	binary.LittleEndian.PutUint64(img[16:], 0xDEADBEEF_FB007AB1)
	off, ok := FindSignature(img)
	if !ok || off != 16 {
		t.Errorf("masked match = (%d, %v), want (16, true)", off, ok)
	}
}

func TestFindSignatureBeyondScanBound(t *testing.T) {
	img := imageWithSignature(128*1024, 64*1024)
	if off, ok := FindSignature(img); ok {
		t.Errorf("signature beyond the scan bound verified at offset %d", off)
	}
}

func TestVerify(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	base := uint64(0x10000)
	img := imageWithSignature(0x8000, 0x40)
	if _, err := mem.WriteAt(img, int64(base)); err != nil {
		t.Fatal(err)
	}

	off, err := Verify(mem, base, uint64(len(img)))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if off != 0x40 {
		t.Errorf("offset = %#x, want 0x40", off)
	}
}

func TestVerifyNoSignature(t *testing.T) {
	mem := physmem.NewBuffer(1 << 20)
	_, err := Verify(mem, 0x10000, 0x8000)
	if !errors.Is(err, ErrNoSignature) {
		t.Fatalf("Verify error = %v, want ErrNoSignature", err)
	}
}

func TestCheckPresent(t *testing.T) {
	mem := physmem.NewBuffer(4 << 20)
	base := uint64(0x200000)

	if err := CheckPresent(mem, base); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("zero image: error = %v, want ErrNotLoaded", err)
	}

	if err := physmem.WriteU64(mem, base, 0xE9); err != nil {
		t.Fatal(err)
	}
	if err := CheckPresent(mem, base); err != nil {
		t.Fatalf("present image: %v", err)
	}
}
