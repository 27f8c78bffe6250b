package spi

import "github.com/afska/gba-link-connection-sub000/pkg/link/hw"

// Pin is one of the four serial port lines.
type Pin int

// Serial port lines in RCNT bit order.
const (
	PinSC Pin = iota
	PinSD
	PinSI
	PinSO
)

// Direction of a pin in general purpose mode.
type Direction int

// Pin directions.
const (
	Input Direction = iota
	Output
)

// GPIO drives the serial port lines directly.
type GPIO struct {
	port hw.Port
}

// NewGPIO wraps port.
func NewGPIO(port hw.Port) *GPIO {
	return &GPIO{port: port}
}

// Reset switches the port to general purpose mode with every pin as input.
func (g *GPIO) Reset() {
	g.port.WriteRCNT(hw.RCNTGeneralPurpose)
}

// SetMode sets the direction of pin.
func (g *GPIO) SetMode(pin Pin, dir Direction) {
	bit := uint16(1) << (uint(pin) + hw.RCNTDirShift)
	rcnt := g.port.ReadRCNT()
	if dir == Output {
		rcnt |= bit
	} else {
		rcnt &^= bit
	}
	g.port.WriteRCNT((rcnt | hw.RCNTGeneralPurpose) &^ hw.RCNTBit14)
}

// WritePin sets the level of an output pin.
func (g *GPIO) WritePin(pin Pin, high bool) {
	bit := uint16(1) << uint(pin)
	rcnt := g.port.ReadRCNT()
	if high {
		rcnt |= bit
	} else {
		rcnt &^= bit
	}
	g.port.WriteRCNT((rcnt | hw.RCNTGeneralPurpose) &^ hw.RCNTBit14)
}

// ReadPin samples pin.
func (g *GPIO) ReadPin(pin Pin) bool {
	return g.port.ReadRCNT()&(1<<uint(pin)) != 0
}
