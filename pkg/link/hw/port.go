package hw

// Port exposes the serial I/O registers of a console.
type Port interface {
	// SIOCNT is the serial control register.
	ReadSIOCNT() uint16
	WriteSIOCNT(uint16)
	// RCNT selects between SIO and general purpose modes.
	ReadRCNT() uint16
	WriteRCNT(uint16)
	// SIODATA32 holds the outgoing word before a transfer and the
	// received word after it.
	ReadSIODATA32() uint32
	WriteSIODATA32(uint32)
	// SIODATA8 is the 8-bit variant of SIODATA32.
	ReadSIODATA8() uint8
	WriteSIODATA8(uint8)
	// VCount returns the scanline being drawn (0..227).
	VCount() uint16
}

// SIOCNT bits in normal (SPI) mode.
const (
	SIOCNTClock     uint16 = 1 << 0  // 1: internal clock (master)
	SIOCNTFastClock uint16 = 1 << 1  // 1: 2 Mbps, 0: 256 kbps
	SIOCNTSI        uint16 = 1 << 2  // read only: SI line level
	SIOCNTSO        uint16 = 1 << 3  // SO level while inactive
	SIOCNTStart     uint16 = 1 << 7  // start / busy
	SIOCNTLength32  uint16 = 1 << 12 // 1: 32-bit transfers
	SIOCNTIRQ       uint16 = 1 << 14 // raise IRQSerial on completion
)

// RCNT bits.
const (
	RCNTGeneralPurpose uint16 = 1 << 15 // together with bit 14 cleared
	RCNTBit14          uint16 = 1 << 14
	RCNTDataMask       uint16 = 0x000f // SC, SD, SI, SO levels
	RCNTDirShift              = 4      // direction bits follow data bits
)

// LinesPerFrame is the number of scanlines (visible + vblank) in a frame.
const LinesPerFrame = 228
