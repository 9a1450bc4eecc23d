package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/metalboot/stage2/internal/vga"
)

// vgaPalette maps the 16 display colors onto the basic ANSI palette.
var vgaPalette = [16]ansi.BasicColor{
	ansi.Black,
	ansi.Blue,
	ansi.Green,
	ansi.Cyan,
	ansi.Red,
	ansi.Magenta,
	ansi.Yellow, // brown
	ansi.White,
	ansi.BrightBlack,
	ansi.BrightBlue,
	ansi.BrightGreen,
	ansi.BrightCyan,
	ansi.BrightRed,
	ansi.BrightMagenta,
	ansi.BrightYellow,
	ansi.BrightWhite,
}

// renderDisplay prints the captured text cells. With styling enabled each
// run of equally-attributed cells becomes one SGR span; otherwise the
// characters are printed bare.
func renderDisplay(w io.Writer, cells [][]vga.Cell, styled bool) {
	border := "+" + strings.Repeat("-", len(cells[0])) + "+"
	fmt.Fprintln(w, border)
	for _, row := range cells {
		fmt.Fprint(w, "|")
		if styled {
			renderStyledRow(w, row)
		} else {
			for _, c := range row {
				fmt.Fprint(w, printable(c.Char))
			}
		}
		fmt.Fprintln(w, "|")
	}
	fmt.Fprintln(w, border)
}

func renderStyledRow(w io.Writer, row []vga.Cell) {
	var run strings.Builder
	var attr byte
	flush := func() {
		if run.Len() == 0 {
			return
		}
		style := ansi.Style{}.
			ForegroundColor(vgaPalette[attr&0x0F]).
			BackgroundColor(vgaPalette[(attr>>4)&0x07])
		fmt.Fprint(w, style.Styled(run.String()))
		run.Reset()
	}
	for i, c := range row {
		if i == 0 || c.Attr != attr {
			flush()
			attr = c.Attr
		}
		run.WriteString(printable(c.Char))
	}
	flush()
}

func printable(b byte) string {
	if b < 0x20 || b > 0x7E {
		return " "
	}
	return string(rune(b))
}
