// Package opensdk encodes the compact sub-headers used by the multiboot
// protocol inside adapter data transfers.
//
// Host packets carry a 3-byte header, client packets a 2-byte one:
//
//	host:   payloadSize:7 unused:2 phase:2 n:2 isACK:1 commState:4 targetSlots:4
//	client: payloadSize:5 phase:2 n:2 isACK:1 commState:4
//
// Fields are listed from the least significant bit. Bytes travel little
// endian, packed back to back inside the transfer words.
package opensdk

import (
	"errors"

	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
)

// CommState is the state field shared by both headers.
type CommState uint8

// Communication states.
const (
	CommOff CommState = iota
	CommStarting
	CommCommunicating
	CommEnding
	CommDied
)

// Sizes.
const (
	ServerHeaderSize = 3
	ClientHeaderSize = 2

	MaxServerPayload = raw.MaxServerTransferBytes - ServerHeaderSize
	MaxClientPayload = raw.MaxClientTransferBytes - ClientHeaderSize
)

var (
	// ErrPayloadTooLarge indicates a payload over the header's size field.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ServerHeader precedes every host packet.
type ServerHeader struct {
	PayloadSize uint8
	Phase       uint8
	N           uint8
	IsACK       bool
	CommState   CommState
	TargetSlots uint8
}

// Pack encodes the header into its low 22 bits.
func (h ServerHeader) Pack() uint32 {
	v := uint32(h.PayloadSize & 0x7f)
	v |= uint32(h.Phase&0b11) << 9
	v |= uint32(h.N&0b11) << 11
	if h.IsACK {
		v |= 1 << 13
	}
	v |= uint32(h.CommState&0xf) << 14
	v |= uint32(h.TargetSlots&0xf) << 18
	return v
}

// UnpackServerHeader decodes a packed host header.
func UnpackServerHeader(v uint32) ServerHeader {
	return ServerHeader{
		PayloadSize: uint8(v & 0x7f),
		Phase:       uint8(v>>9) & 0b11,
		N:           uint8(v>>11) & 0b11,
		IsACK:       v&(1<<13) != 0,
		CommState:   CommState(v>>14) & 0xf,
		TargetSlots: uint8(v>>18) & 0xf,
	}
}

// Sequence returns the (n, phase) tag of the header.
func (h ServerHeader) Sequence() SequenceNumber {
	return SequenceNumber{N: h.N, Phase: h.Phase}
}

// ClientHeader precedes every client packet.
type ClientHeader struct {
	PayloadSize uint8
	Phase       uint8
	N           uint8
	IsACK       bool
	CommState   CommState
}

// Pack encodes the header into 16 bits.
func (h ClientHeader) Pack() uint16 {
	v := uint16(h.PayloadSize & 0x1f)
	v |= uint16(h.Phase&0b11) << 5
	v |= uint16(h.N&0b11) << 7
	if h.IsACK {
		v |= 1 << 9
	}
	v |= uint16(h.CommState&0xf) << 10
	return v
}

// UnpackClientHeader decodes a packed client header.
func UnpackClientHeader(v uint16) ClientHeader {
	return ClientHeader{
		PayloadSize: uint8(v & 0x1f),
		Phase:       uint8(v>>5) & 0b11,
		N:           uint8(v>>7) & 0b11,
		IsACK:       v&(1<<9) != 0,
		CommState:   CommState(v>>10) & 0xf,
	}
}

// Sequence returns the (n, phase) tag of the header.
func (h ClientHeader) Sequence() SequenceNumber {
	return SequenceNumber{N: h.N, Phase: h.Phase}
}

// SequenceNumber is the rolling (n, phase) tag identifying a packet.
// Phase advances on every packet; n advances when phase wraps.
type SequenceNumber struct {
	N     uint8
	Phase uint8
}

// Inc moves to the next tag.
func (s *SequenceNumber) Inc() {
	s.Phase++
	if s.Phase == 4 {
		s.Phase = 0
		s.N = (s.N + 1) % 4
	}
}

// Next returns the tag after s.
func (s SequenceNumber) Next() SequenceNumber {
	s.Inc()
	return s
}
