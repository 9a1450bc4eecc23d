// Package serial drives a 16550-style COM1 port as an optional mirror
// for post-transition diagnostics. The transmit wait is bounded: a wedged
// controller fails the write instead of hanging the boot with no
// diagnostic.
package serial

import (
	"errors"

	"github.com/metalboot/stage2/internal/firmware"
)

const (
	com1Base = 0x3F8

	regData       = 0
	regIntEnable  = 1
	regFIFO       = 2
	regLineCtrl   = 3
	regModemCtrl  = 4
	regLineStatus = 5

	lcrDLAB      = 0x80
	lcr8N1       = 0x03
	lsrTxEmpty   = 0x20
	fifoEnable   = 0xC7
	modemDTRRTS  = 0x0B
	baudDivisor3 = 0x03 // 38400 baud
)

// ErrTxTimeout means the transmitter never reported ready within the
// spin bound.
var ErrTxTimeout = errors.New("serial: transmitter never became ready")

// DefaultSpinLimit bounds the transmit-ready poll per byte.
const DefaultSpinLimit = 1 << 16

// Port is the loader-side COM1 driver.
type Port struct {
	io        firmware.PortIO
	spinLimit int
}

// Option customises the port for tests.
type Option func(*Port)

// WithSpinLimit overrides the transmit-ready poll bound.
func WithSpinLimit(n int) Option {
	return func(p *Port) {
		if n > 0 {
			p.spinLimit = n
		}
	}
}

// NewCOM1 returns an uninitialised port over io.
func NewCOM1(io firmware.PortIO, opts ...Option) *Port {
	p := &Port{io: io, spinLimit: DefaultSpinLimit}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init programs 38400 baud, 8 data bits, no parity, one stop bit, FIFO
// enabled.
func (p *Port) Init() {
	p.io.Outb(com1Base+regIntEnable, 0x00)
	p.io.Outb(com1Base+regLineCtrl, lcrDLAB)
	p.io.Outb(com1Base+regData, baudDivisor3)
	p.io.Outb(com1Base+regIntEnable, 0x00)
	p.io.Outb(com1Base+regLineCtrl, lcr8N1)
	p.io.Outb(com1Base+regFIFO, fifoEnable)
	p.io.Outb(com1Base+regModemCtrl, modemDTRRTS)
}

func (p *Port) writeByte(b byte) error {
	for spin := 0; spin < p.spinLimit; spin++ {
		if p.io.Inb(com1Base+regLineStatus)&lsrTxEmpty != 0 {
			p.io.Outb(com1Base+regData, b)
			return nil
		}
	}
	return ErrTxTimeout
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	for i, c := range b {
		if err := p.writeByte(c); err != nil {
			return i, err
		}
	}
	return len(b), nil
}

// WriteString sends s, converting newlines to CRLF for terminal
// consumers.
func (p *Port) WriteString(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if err := p.writeByte('\r'); err != nil {
				return err
			}
		}
		if err := p.writeByte(s[i]); err != nil {
			return err
		}
	}
	return nil
}
