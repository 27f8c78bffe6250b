package wireless

import "math/bits"

// Message is one datum exchanged between players.
type Message struct {
	PacketID uint32
	Data     uint16
	PlayerID int

	forwarded bool
}

// Header field widths.
const (
	packetIDBits        = 6
	compactPacketIDBits = 5
)

// header is the upper half of every message word.
//
//	regular: partialPacketID:6 isConfirmation:1 playerID:3 clientCount:2 checksum:4
//	compact: partialPacketID:5 isConfirmation:1 playerID:1 quickData:5 checksum:4
type header struct {
	partialPacketID uint8
	isConfirmation  bool
	playerID        uint8
	clientCount     uint8
	quickData       uint8
	checksum        uint8
}

func (h header) pack(compact bool) uint16 {
	var v uint16
	if compact {
		v = uint16(h.partialPacketID & 0x1f)
		if h.isConfirmation {
			v |= 1 << 5
		}
		v |= uint16(h.playerID&1) << 6
		v |= uint16(h.quickData&0x1f) << 7
	} else {
		v = uint16(h.partialPacketID & 0x3f)
		if h.isConfirmation {
			v |= 1 << 6
		}
		v |= uint16(h.playerID&0b111) << 7
		v |= uint16(h.clientCount&0b11) << 10
	}
	return v | uint16(h.checksum&0xf)<<12
}

func unpackHeader(v uint16, compact bool) header {
	h := header{checksum: uint8(v >> 12)}
	if compact {
		h.partialPacketID = uint8(v & 0x1f)
		h.isConfirmation = v&(1<<5) != 0
		h.playerID = uint8(v>>6) & 1
		h.quickData = uint8(v>>7) & 0x1f
	} else {
		h.partialPacketID = uint8(v & 0x3f)
		h.isConfirmation = v&(1<<6) != 0
		h.playerID = uint8(v>>7) & 0b111
		h.clientCount = uint8(v>>10) & 0b11
	}
	return h
}

// checksum is the population count of data, mod 16.
func checksum(data uint16) uint8 {
	return uint8(bits.OnesCount16(data) % 16)
}

func buildWord(h header, data uint16, compact bool) uint32 {
	h.checksum = checksum(data)
	return uint32(h.pack(compact))<<16 | uint32(data)
}

// parseWord splits a message word. ok is false on a checksum mismatch.
func parseWord(word uint32, compact bool) (h header, data uint16, ok bool) {
	h = unpackHeader(uint16(word>>16), compact)
	data = uint16(word)
	return h, data, h.checksum == checksum(data)
}
