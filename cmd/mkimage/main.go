package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/metalboot/stage2/internal/kernel"
	"github.com/metalboot/stage2/internal/layout"
)

// Boot image geometry: sector 0 carries the first stage and the firmware
// boot signature, sectors 1-64 the second stage padded to its full
// region, sector 65 stays reserved, the kernel starts at sector 66.
const (
	bootSignatureOffset = 510
	reservedSectors     = 1
)

func run() error {
	stage1Path := flag.String("stage1", "", "first-stage binary (at most 510 bytes)")
	stage2Path := flag.String("stage2", "", "second-stage binary")
	kernelPath := flag.String("kernel", "", "flat kernel binary")
	outPath := flag.String("out", "boot.img", "output image path")
	allowUnsigned := flag.Bool("allow-unsigned", false, "skip the kernel signature check")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `mkimage - assemble a boot disk image

USAGE:
  mkimage -stage1 mbr.bin -stage2 stage2.bin -kernel kernel.bin [-out boot.img]

The kernel must carry its magic word within the first 64 KiB unless
-allow-unsigned is given; an unsigned kernel would be rejected at boot.
`)
	}
	flag.Parse()

	if *stage1Path == "" || *stage2Path == "" || *kernelPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	stage1, err := os.ReadFile(*stage1Path)
	if err != nil {
		return fmt.Errorf("read stage1: %w", err)
	}
	if len(stage1) > bootSignatureOffset {
		return fmt.Errorf("stage1 is %d bytes, limit is %d", len(stage1), bootSignatureOffset)
	}

	stage2, err := os.ReadFile(*stage2Path)
	if err != nil {
		return fmt.Errorf("read stage2: %w", err)
	}
	if len(stage2) > layout.Stage2Sectors*layout.SectorSize {
		return fmt.Errorf("stage2 is %d bytes, region holds %d",
			len(stage2), layout.Stage2Sectors*layout.SectorSize)
	}

	kernelImg, err := os.ReadFile(*kernelPath)
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}
	if len(kernelImg) > layout.KernelMaxSectors*layout.SectorSize {
		return fmt.Errorf("kernel is %d bytes, region holds %d",
			len(kernelImg), layout.KernelMaxSectors*layout.SectorSize)
	}
	if off, ok := kernel.FindSignature(kernelImg); ok {
		fmt.Printf("kernel signature at offset %#x\n", off)
	} else if *allowUnsigned {
		fmt.Println("warning: kernel carries no signature, boot will reject it")
	} else {
		return fmt.Errorf("no kernel signature in %s (use -allow-unsigned to override)", *kernelPath)
	}

	image := assemble(stage1, stage2, kernelImg)

	f, err := os.Create(*outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", *outPath, err)
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(int64(len(image)), "writing "+*outPath)
	if _, err := io.Copy(io.MultiWriter(f, bar), bytes.NewReader(image)); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	fmt.Printf("%s: %d sectors (%d bytes)\n", *outPath, len(image)/layout.SectorSize, len(image))
	return nil
}

// assemble lays the three binaries out at their boot geometry offsets,
// padding every component to whole sectors.
func assemble(stage1, stage2, kernelImg []byte) []byte {
	kernelSectors := (len(kernelImg) + layout.SectorSize - 1) / layout.SectorSize
	total := (layout.KernelFirstSector + kernelSectors) * layout.SectorSize
	image := make([]byte, total)

	copy(image, stage1)
	image[bootSignatureOffset] = 0x55
	image[bootSignatureOffset+1] = 0xAA

	copy(image[layout.Stage2FirstSector*layout.SectorSize:], stage2)
	copy(image[layout.KernelFirstSector*layout.SectorSize:], kernelImg)
	return image
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkimage: %v\n", err)
		os.Exit(1)
	}
}
