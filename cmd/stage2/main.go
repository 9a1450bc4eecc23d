package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/metalboot/stage2/internal/disk"
	"github.com/metalboot/stage2/internal/layout"
	"github.com/metalboot/stage2/internal/machine"
	"github.com/metalboot/stage2/internal/vga"

	"github.com/metalboot/stage2"
)

func run() error {
	image := flag.String("image", "", "boot disk image to run")
	scenarioPath := flag.String("scenario", "", "optional YAML machine scenario")
	memSize := flag.String("mem", "", "physical memory size (e.g. 512MiB)")
	showSerial := flag.Bool("serial", false, "print captured COM1 output")
	noColor := flag.Bool("no-color", false, "render the display without colors")
	verbose := flag.Bool("verbose", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `stage2 - boot a disk image through the second-stage loader

USAGE:
  stage2 -image disk.img [flags]

FLAGS:
  -image PATH     Boot disk image (required)
  -scenario PATH  YAML machine description with optional fault injection
  -mem SIZE       Physical memory size, overrides the scenario (e.g. 512MiB)
  -serial         Print everything the loader mirrored to COM1
  -no-color       Plain-text display rendering
  -verbose        Debug logging to stderr

The display contents at the moment the machine stops are rendered as an
80x25 grid. Exit status is non-zero when the loader halts instead of
reaching the kernel.
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *image == "" {
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*image)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	var opts []machine.Option
	if *scenarioPath != "" {
		scenario, err := LoadScenario(*scenarioPath)
		if err != nil {
			return err
		}
		opts, err = scenario.Options()
		if err != nil {
			return err
		}
	}
	if *memSize != "" {
		size, err := humanize.ParseBytes(*memSize)
		if err != nil {
			return fmt.Errorf("parse -mem %q: %w", *memSize, err)
		}
		opts = append(opts, machine.WithRAMSize(size))
	}

	var serialLog bytes.Buffer
	opts = append(opts,
		machine.WithDiskImage(f, fi.Size()),
		machine.WithSerialOutput(&serialLog),
	)

	m := machine.New(opts...)
	slog.Info("machine ready",
		"image", *image,
		"image_size", humanize.IBytes(uint64(fi.Size())),
		"memory", humanize.IBytes(m.Mem().Size()))

	loader := &stage2.Loader{
		Mem:     m.Mem(),
		Disk:    m,
		Memory:  m,
		Machine: m,
		Ports:   m,
	}
	report, bootErr := loader.Boot()

	styled := !*noColor && term.IsTerminal(int(os.Stdout.Fd()))
	if cells, err := vga.Snapshot(m.Mem()); err == nil {
		renderDisplay(os.Stdout, cells, styled)
	}

	if *showSerial && serialLog.Len() > 0 {
		fmt.Println("--- serial ---")
		os.Stdout.Write(serialLog.Bytes())
	}

	stats := m.Stats()
	slog.Info("firmware services",
		"extended_reads", stats.ExtendedReads,
		"legacy_reads", stats.LegacyReads,
		"resets", stats.Resets,
		"map_queries", stats.MapQueries)

	if bootErr != nil {
		if halted, reason := m.Halted(); halted {
			slog.Error("boot halted", "reason", reason)
		}
		if st, err := disk.LoadErrorState(m.Mem()); err == nil && st.LastCode != 0 {
			slog.Error("last firmware error", "code", fmt.Sprintf("%#02x", st.LastCode), "retries", st.Retries)
		}
		return bootErr
	}

	fmt.Printf("kernel entered at %#x (%s loaded, %d map entries, %d pages mapped)\n",
		report.Entry,
		humanize.IBytes(disk.SectorBytes(report.SectorsLoaded)),
		report.MapEntries,
		report.Pages)
	if report.Entry != layout.KernelFinalAddr {
		return errors.New("kernel entered at an unexpected address")
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stage2: %v\n", err)
		os.Exit(1)
	}
}
