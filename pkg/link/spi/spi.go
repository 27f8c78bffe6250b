// Package spi drives the console serial port in normal (SPI) mode.
package spi

import (
	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
)

// Mode defines clock ownership and speed.
type Mode int

const (
	// MasterSlow drives the clock at 256 kbps.
	MasterSlow Mode = iota
	// MasterFast drives the clock at 2 Mbps.
	MasterFast
	// Slave follows the remote clock.
	Slave
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case MasterSlow:
		return "master-256kbps"
	case MasterFast:
		return "master-2mbps"
	case Slave:
		return "slave"
	}
	return "unknown"
}

// DataSize selects the transfer unit.
type DataSize int

// Transfer units.
const (
	Size32 DataSize = iota
	Size8
)

// AsyncState tracks a transfer started with TransferAsync.
type AsyncState int

// Async states.
const (
	AsyncIdle AsyncState = iota
	AsyncWaiting
	AsyncReady
)

// Sentinels returned when a transfer yields no data.
const (
	NoData32 uint32 = 0xffffffff
	NoData8  uint8  = 0xff
)

// SPI is the serial channel used by the wireless adapter drivers.
type SPI struct {
	port hw.Port

	active   bool
	mode     Mode
	size     DataSize
	waitMode bool

	asyncState AsyncState
	asyncData  uint32
}

// New creates an inactive channel on port.
func New(port hw.Port) *SPI {
	return &SPI{port: port}
}

// Port returns the underlying register set.
func (s *SPI) Port() hw.Port {
	return s.port
}

// IsActive reports whether Activate was called.
func (s *SPI) IsActive() bool {
	return s.active
}

// Mode returns the current mode.
func (s *SPI) Mode() Mode {
	return s.mode
}

// Activate configures the port. Calling it again with the same
// arguments leaves the port in the same state.
func (s *SPI) Activate(mode Mode, size DataSize) {
	s.mode, s.size = mode, size
	s.waitMode = false
	s.asyncState, s.asyncData = AsyncIdle, 0

	s.port.WriteRCNT(0)
	cnt := uint16(0)
	if size == Size32 {
		cnt |= hw.SIOCNTLength32
	}
	switch mode {
	case MasterSlow:
		cnt |= hw.SIOCNTClock
	case MasterFast:
		cnt |= hw.SIOCNTClock | hw.SIOCNTFastClock
	}
	s.port.WriteSIOCNT(cnt)
	s.disableTransfer()
	s.setData(0)
	s.active = true
	glog.V(4).Infof("spi: activate %s", mode)
}

// Deactivate returns the port to general purpose mode.
func (s *SPI) Deactivate() {
	s.active = false
	s.port.WriteRCNT(hw.RCNTGeneralPurpose)
	s.port.WriteSIOCNT(0)
	s.asyncState, s.asyncData = AsyncIdle, 0
}

// SetWaitModeActive makes a master wait until the slave pulls SI low
// before starting each transfer.
func (s *SPI) SetWaitModeActive(enabled bool) {
	s.waitMode = enabled
}

// IsWaitModeActive reports the wait mode flag.
func (s *SPI) IsWaitModeActive() bool {
	return s.waitMode
}

// Transfer exchanges one unit and blocks until it completes. When cancel
// returns true mid-transfer, the transfer is aborted and the no-data
// sentinel is returned.
func (s *SPI) Transfer(data uint32, cancel func() bool) uint32 {
	return s.transfer(data, cancel, false, false)
}

// TransferCustomAck is Transfer leaving SO low afterwards, so the caller
// can run its own line acknowledge.
func (s *SPI) TransferCustomAck(data uint32, cancel func() bool) uint32 {
	return s.transfer(data, cancel, false, true)
}

// TransferAsync starts a transfer and returns immediately. Completion is
// reported through OnSerial.
func (s *SPI) TransferAsync(data uint32, cancel func() bool) {
	s.transfer(data, cancel, true, false)
}

// TransferAsyncCustomAck is TransferAsync for callers running their own
// acknowledge.
func (s *SPI) TransferAsyncCustomAck(data uint32, cancel func() bool) {
	s.transfer(data, cancel, true, true)
}

// Transfer8 exchanges a byte when the channel was activated with Size8.
func (s *SPI) Transfer8(data uint8, cancel func() bool) uint8 {
	return uint8(s.transfer(uint32(data), cancel, false, false))
}

// AsyncState returns the state of the last asynchronous transfer.
func (s *SPI) AsyncState() AsyncState {
	return s.asyncState
}

// AsyncData consumes the word received by the last asynchronous transfer.
func (s *SPI) AsyncData() uint32 {
	if s.asyncState != AsyncReady {
		return s.noData()
	}
	data := s.asyncData
	s.asyncState = AsyncIdle
	return data
}

// OnSerial must be called from the serial interrupt.
func (s *SPI) OnSerial(customAck bool) {
	if !s.active || s.asyncState != AsyncWaiting {
		return
	}
	if !customAck {
		s.disableTransfer()
	}
	s.setInterrupts(false)
	s.asyncState = AsyncReady
	s.asyncData = s.getData()
}

func (s *SPI) transfer(data uint32, cancel func() bool, async, customAck bool) uint32 {
	if s.asyncState != AsyncIdle {
		return s.noData()
	}
	s.setData(data)
	s.enableTransfer()

	for s.isMaster() && s.waitMode && !s.isSlaveReady() {
		if cancel != nil && cancel() {
			s.disableTransfer()
			return s.noData()
		}
	}

	if async {
		s.asyncState = AsyncWaiting
		s.setInterrupts(true)
	}
	s.startTransfer()
	if async {
		return s.noData()
	}

	for s.isTransferring() {
		if cancel != nil && cancel() {
			s.stopTransfer()
			s.disableTransfer()
			return s.noData()
		}
	}
	if !customAck {
		s.disableTransfer()
	}
	return s.getData()
}

// SetSOLow drives the output line low.
func (s *SPI) SetSOLow() {
	s.port.WriteSIOCNT(s.port.ReadSIOCNT() &^ hw.SIOCNTSO)
}

// SetSOHigh drives the output line high.
func (s *SPI) SetSOHigh() {
	s.port.WriteSIOCNT(s.port.ReadSIOCNT() | hw.SIOCNTSO)
}

// IsSIHigh samples the input line.
func (s *SPI) IsSIHigh() bool {
	return s.port.ReadSIOCNT()&hw.SIOCNTSI != 0
}

func (s *SPI) isMaster() bool {
	return s.mode != Slave
}

// a slave signals readiness by pulling SI low
func (s *SPI) isSlaveReady() bool {
	return !s.IsSIHigh()
}

func (s *SPI) enableTransfer()  { s.SetSOLow() }
func (s *SPI) disableTransfer() { s.SetSOHigh() }

func (s *SPI) startTransfer() {
	s.port.WriteSIOCNT(s.port.ReadSIOCNT() | hw.SIOCNTStart)
}

func (s *SPI) stopTransfer() {
	s.port.WriteSIOCNT(s.port.ReadSIOCNT() &^ hw.SIOCNTStart)
}

func (s *SPI) isTransferring() bool {
	return s.port.ReadSIOCNT()&hw.SIOCNTStart != 0
}

func (s *SPI) setInterrupts(enabled bool) {
	cnt := s.port.ReadSIOCNT()
	if enabled {
		cnt |= hw.SIOCNTIRQ
	} else {
		cnt &^= hw.SIOCNTIRQ
	}
	s.port.WriteSIOCNT(cnt)
}

func (s *SPI) setData(data uint32) {
	if s.size == Size8 {
		s.port.WriteSIODATA8(uint8(data))
		return
	}
	s.port.WriteSIODATA32(data)
}

func (s *SPI) getData() uint32 {
	if s.size == Size8 {
		return uint32(s.port.ReadSIODATA8())
	}
	return s.port.ReadSIODATA32()
}

func (s *SPI) noData() uint32 {
	if s.size == Size8 {
		return uint32(NoData8)
	}
	return NoData32
}
