// Package periphbus adapts a periph.io I2C bus to the pdsink register bus
// interface, for running the stack on Linux single board computers.
package periphbus

import (
	"periph.io/x/conn/v3/i2c"
)

// Bus wraps a periph.io i2c.Bus as a pdsink.Bus.
//
// The underlying bus should be set to no more than 1MHz; the FUSB302 does
// not support fast mode plus.
type Bus struct {
	bus i2c.Bus

	// Scratch for register writes, sized for the largest FIFO burst.
	buf [64]byte
}

// New wraps bus.
func New(bus i2c.Bus) *Bus {
	return &Bus{bus: bus}
}

// ReadReg reads len(p) bytes from device dev starting at register reg.
func (b *Bus) ReadReg(dev uint8, reg uint8, p []byte) error {
	b.buf[0] = reg
	return b.bus.Tx(uint16(dev), b.buf[:1], p)
}

// WriteReg writes len(p) bytes to device dev starting at register reg.
func (b *Bus) WriteReg(dev uint8, reg uint8, p []byte) error {
	b.buf[0] = reg
	n := copy(b.buf[1:], p)
	return b.bus.Tx(uint16(dev), b.buf[:n+1], nil)
}
