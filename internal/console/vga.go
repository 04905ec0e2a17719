package console

import (
	"fmt"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// VGA models the 80x25 text-mode console at 0xB8000, used before a
// framebuffer is available. Cell format is
// (color<<8)|ascii, color = (bg<<4)|fg; bg is clamped to 0-7 so the
// high bit (blink) is never set.
type VGA struct {
	mu    sync.Mutex
	cells [Rows * Cols]uint16
	row   int
	col   int
	color byte
}

const (
	Rows = 25
	Cols = 80

	// Boot text is ColorLightGrey on ColorBlack; Banner draws the panic
	// banner as ColorLightGrey on ColorRed.
	ColorLightGrey byte = 0x7
	ColorBlack     byte = 0x0
	ColorRed       byte = 0x4
)

func NewVGA() *VGA {
	v := &VGA{color: color(ColorBlack, ColorLightGrey)}
	v.Clear()
	return v
}

// color packs foreground/background into the cell attribute byte,
// clamping bg to 0-7 so bit 7 (blink) is never accidentally set.
func color(bg, fg byte) byte {
	bg &= 0x7
	return (bg << 4) | (fg & 0xF)
}

func (v *VGA) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	blank := uint16(v.color)<<8 | uint16(' ')
	for i := range v.cells {
		v.cells[i] = blank
	}
	v.row, v.col = 0, 0
}

// SetColor changes the attribute used by subsequent writes.
func (v *VGA) SetColor(bg, fg byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.color = color(bg, fg)
}

// Write implements io.Writer so the VGA console can also back the
// root slog handler; panics additionally call Banner directly.
func (v *VGA) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range p {
		v.putLocked(b)
	}
	return len(p), nil
}

func (v *VGA) putLocked(b byte) {
	switch b {
	case '\n':
		v.row++
		v.col = 0
	case '\r':
		v.col = 0
	default:
		v.cells[v.row*Cols+v.col] = uint16(v.color)<<8 | uint16(b)
		v.col++
		if v.col >= Cols {
			v.col = 0
			v.row++
		}
	}
	if v.row >= Rows {
		v.scrollLocked()
		v.row = Rows - 1
	}
}

func (v *VGA) scrollLocked() {
	copy(v.cells[:], v.cells[Cols:])
	blank := uint16(v.color)<<8 | uint16(' ')
	for i := (Rows - 1) * Cols; i < Rows*Cols; i++ {
		v.cells[i] = blank
	}
}

// Cell returns the raw cell value at (row, col), for tests asserting
// the (color<<8)|ascii packing.
func (v *VGA) Cell(row, col int) uint16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cells[row*Cols+col]
}

// Banner overwrites the console with a single centered, high-contrast
// message — used for the panic path, which attempts a VGA banner with
// the panic string.
func (v *VGA) Banner(msg string) {
	v.mu.Lock()
	v.color = color(ColorRed, ColorLightGrey)
	v.mu.Unlock()
	v.Clear()
	v.mu.Lock()
	v.color = color(ColorRed, ColorLightGrey)
	v.mu.Unlock()
	pad := (Cols - len(msg)) / 2
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(v, "%*s%s", pad, "", msg)
}

// Splash drives a textual boot-progress indicator on the VGA console
// while early subsystems (memory map parse, PCI scan) bring up —
// progressbar.NewOptions64 with an OptionSetWriter pointed at the VGA
// device renders the same style of progress bar used for long-running
// downloads, repurposed here for boot phases.
type Splash struct {
	bar *progressbar.ProgressBar
}

func NewSplash(v *VGA, total int64, description string) *Splash {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(v),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSpinnerType(14),
	)
	return &Splash{bar: bar}
}

func (s *Splash) Advance(n int64) { _ = s.bar.Add64(n) }
func (s *Splash) Finish()         { _ = s.bar.Finish() }
