package hw

// IRQ identifies an interrupt line used by the link drivers.
type IRQ int

// Interrupt lines.
const (
	IRQVBlank IRQ = iota
	IRQSerial
	IRQTimer
)

// String implements fmt.Stringer.
func (i IRQ) String() string {
	switch i {
	case IRQVBlank:
		return "vblank"
	case IRQSerial:
		return "serial"
	case IRQTimer:
		return "timer"
	}
	return "unknown"
}

// InterruptController routes interrupt lines to service routines.
// A driver installs closures over itself instead of relying on global
// driver pointers.
type InterruptController interface {
	Register(irq IRQ, isr func())
}

// HandlerTable is a minimal InterruptController keeping one routine per
// line. Platform bridges embed it and call Dispatch from their vectors.
type HandlerTable struct {
	isrs [IRQTimer + 1]func()
}

// Register implements InterruptController.
func (t *HandlerTable) Register(irq IRQ, isr func()) {
	t.isrs[irq] = isr
}

// Dispatch runs the routine registered for irq, if any.
func (t *HandlerTable) Dispatch(irq IRQ) {
	if isr := t.isrs[irq]; isr != nil {
		isr()
	}
}

// Interrupter raises interrupt lines and runs their routines. Drivers
// use it to emulate the hardware timer and the vertical blank.
type Interrupter interface {
	Timer()
	VBlank()
}
