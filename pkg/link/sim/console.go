package sim

import (
	"sync"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
)

// Console is the register set and interrupt controller of one console.
// Register access must be serialized by the caller; interrupts may be
// raised and serviced from any goroutine.
type Console struct {
	adapter *Adapter

	siocnt uint16
	rcnt   uint16
	data   uint32
	vcount uint16
	sdHigh bool

	isrs    hw.HandlerTable
	mu      sync.Mutex
	pending []hw.IRQ
}

// Adapter returns the adapter plugged into the console.
func (c *Console) Adapter() *Adapter {
	return c.adapter
}

// ReadSIOCNT implements hw.Port.
func (c *Console) ReadSIOCNT() uint16 {
	cnt := c.siocnt &^ hw.SIOCNTSI
	if c.adapter.si(c.siocnt&hw.SIOCNTSO != 0) {
		cnt |= hw.SIOCNTSI
	}
	return cnt
}

// WriteSIOCNT implements hw.Port.
func (c *Console) WriteSIOCNT(v uint16) {
	old := c.siocnt
	c.siocnt = v &^ hw.SIOCNTSI
	if (old^v)&hw.SIOCNTSO != 0 {
		c.adapter.onSO(v&hw.SIOCNTSO != 0)
	}
	if old&hw.SIOCNTStart == 0 && v&hw.SIOCNTStart != 0 {
		c.clock()
	}
}

// ReadRCNT implements hw.Port.
func (c *Console) ReadRCNT() uint16 {
	return c.rcnt
}

// WriteRCNT implements hw.Port. A falling edge on SD, driven as an
// output in general purpose mode, resets the adapter.
func (c *Console) WriteRCNT(v uint16) {
	c.rcnt = v
	const sdData, sdDir = 1 << 1, 1 << (1 + hw.RCNTDirShift)
	sd := v&hw.RCNTGeneralPurpose != 0 && v&hw.RCNTBit14 == 0 && v&sdDir != 0 && v&sdData != 0
	if c.sdHigh && !sd {
		c.adapter.reset()
	}
	c.sdHigh = sd
}

// ReadSIODATA32 implements hw.Port.
func (c *Console) ReadSIODATA32() uint32 {
	return c.data
}

// WriteSIODATA32 implements hw.Port.
func (c *Console) WriteSIODATA32(v uint32) {
	c.data = v
}

// ReadSIODATA8 implements hw.Port.
func (c *Console) ReadSIODATA8() uint8 {
	return uint8(c.data)
}

// WriteSIODATA8 implements hw.Port.
func (c *Console) WriteSIODATA8(v uint8) {
	c.data = uint32(v)
}

// VCount implements hw.Port. Every read advances one scanline.
func (c *Console) VCount() uint16 {
	c.vcount = (c.vcount + 1) % hw.LinesPerFrame
	return c.vcount
}

// Register implements hw.InterruptController.
func (c *Console) Register(irq hw.IRQ, isr func()) {
	c.isrs.Register(irq, isr)
}

// Raise queues irq until the next Service.
func (c *Console) Raise(irq hw.IRQ) {
	c.mu.Lock()
	c.pending = append(c.pending, irq)
	c.mu.Unlock()
}

// Service runs the routines of every queued interrupt, including the
// ones raised while servicing, and returns how many ran.
func (c *Console) Service() int {
	n := 0
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return n
		}
		irq := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		c.isrs.Dispatch(irq)
		n++
	}
}

// VBlank raises the vertical blank interrupt and services it.
func (c *Console) VBlank() {
	c.Raise(hw.IRQVBlank)
	c.Service()
}

// Timer raises the timer interrupt and services it.
func (c *Console) Timer() {
	c.Raise(hw.IRQTimer)
	c.Service()
}

// Tick runs one timer interrupt followed by a vertical blank.
func (c *Console) Tick() {
	c.Timer()
	c.VBlank()
}

// clock runs the transfer armed by a rising start bit. Transfers the
// adapter cannot serve stay busy until the console gives up.
func (c *Console) clock() {
	if c.rcnt&hw.RCNTGeneralPurpose != 0 {
		return
	}
	var reply uint32
	var ok bool
	if c.siocnt&hw.SIOCNTClock != 0 {
		reply, ok = c.adapter.exchangeAsSlave(c.data)
	} else {
		reply, ok = c.adapter.exchangeAsMaster(c.data)
	}
	if !ok {
		return
	}
	c.data = reply
	c.siocnt &^= hw.SIOCNTStart
	if c.siocnt&hw.SIOCNTIRQ != 0 {
		c.Raise(hw.IRQSerial)
	}
}
