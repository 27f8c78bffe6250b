package opensdk

import "github.com/afska/gba-link-connection-sub000/pkg/link/raw"

// SendBuffer is ready to be passed to SendData / SendDataAndWait.
type SendBuffer struct {
	Header     uint32
	Data       []uint32
	TotalBytes int
}

// ServerPacket is a decoded host packet.
type ServerPacket struct {
	Header  ServerHeader
	Payload []byte
}

// ClientPacket is a decoded client packet.
type ClientPacket struct {
	ClientNumber uint8
	Header       ClientHeader
	Payload      []byte
}

// CreateServerBuffer builds a host packet. The payload size field is
// filled from payload.
func CreateServerBuffer(header ServerHeader, payload []byte) (SendBuffer, error) {
	if len(payload) > MaxServerPayload {
		return SendBuffer{}, ErrPayloadTooLarge
	}
	header.PayloadSize = uint8(len(payload))
	packed := header.Pack()
	b := make([]byte, 0, ServerHeaderSize+len(payload))
	b = append(b, byte(packed), byte(packed>>8), byte(packed>>16))
	b = append(b, payload...)
	return SendBuffer{Header: packed, Data: BytesToWords(b), TotalBytes: len(b)}, nil
}

// CreateServerACKBuffer builds a host ACK echoing a client header.
func CreateServerACKBuffer(clientHeader ClientHeader, clientNumber uint8) SendBuffer {
	buf, _ := CreateServerBuffer(ServerHeader{
		Phase:       clientHeader.Phase,
		N:           clientHeader.N,
		IsACK:       true,
		CommState:   clientHeader.CommState,
		TargetSlots: 1 << clientNumber,
	}, nil)
	return buf
}

// CreateClientBuffer builds a client packet as raw bytes.
func CreateClientBuffer(header ClientHeader, payload []byte) ([]byte, error) {
	if len(payload) > MaxClientPayload {
		return nil, ErrPayloadTooLarge
	}
	header.PayloadSize = uint8(len(payload))
	packed := header.Pack()
	b := make([]byte, 0, ClientHeaderSize+len(payload))
	b = append(b, byte(packed), byte(packed>>8))
	return append(b, payload...), nil
}

// ParseServerPacket decodes a host packet from raw bytes.
func ParseServerPacket(b []byte) (ServerPacket, bool) {
	if len(b) < ServerHeaderSize {
		return ServerPacket{}, false
	}
	header := UnpackServerHeader(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
	end := ServerHeaderSize + int(header.PayloadSize)
	if end > len(b) {
		return ServerPacket{}, false
	}
	return ServerPacket{Header: header, Payload: append([]byte(nil), b[ServerHeaderSize:end]...)}, true
}

// ParseClientPackets splits a host's ReceiveData response into client
// packets, in slot order.
func ParseClientPackets(resp raw.ReceiveDataResponse) []ClientPacket {
	var packets []ClientPacket
	b := WordsToBytes(resp.Data)
	offset := resp.SentBytes[0]
	for slot := 1; slot < raw.MaxPlayers; slot++ {
		size := resp.SentBytes[slot]
		if size == 0 {
			continue
		}
		end := offset + size
		if end > len(b) {
			break
		}
		chunk := b[offset:end]
		offset = end
		for len(chunk) >= ClientHeaderSize {
			header := UnpackClientHeader(uint16(chunk[0]) | uint16(chunk[1])<<8)
			pend := ClientHeaderSize + int(header.PayloadSize)
			if pend > len(chunk) {
				break
			}
			packets = append(packets, ClientPacket{
				ClientNumber: uint8(slot - 1),
				Header:       header,
				Payload:      append([]byte(nil), chunk[ClientHeaderSize:pend]...),
			})
			chunk = chunk[pend:]
		}
	}
	return packets
}

// BytesToWords packs bytes little endian, zero padding the last word.
func BytesToWords(b []byte) []uint32 {
	words := make([]uint32, (len(b)+3)/4)
	for i, c := range b {
		words[i/4] |= uint32(c) << (8 * uint(i%4))
	}
	return words
}

// WordsToBytes unpacks words little endian.
func WordsToBytes(words []uint32) []byte {
	b := make([]byte, 0, len(words)*4)
	for _, w := range words {
		b = append(b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return b
}
