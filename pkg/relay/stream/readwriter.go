// Package stream frames relay packets on a byte stream such as a TCP
// connection or a pipe.
package stream

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// DefaultMaxPacketSize bounds the packets accepted by ReadPacket.
const DefaultMaxPacketSize = 1 << 16

// ErrPacketTooLarge indicates a length prefix over MaxPacketSize.
var ErrPacketTooLarge = errors.New("packet too large")

// ReadWriter implements relay.PacketReadWriter. Each packet is prefixed
// by its length as a 4-byte little endian integer.
type ReadWriter struct {
	MaxPacketSize int

	stream    io.ReadWriter
	writeLock sync.Mutex
}

// New creates a ReadWriter on s.
func New(s io.ReadWriter) *ReadWriter {
	return &ReadWriter{MaxPacketSize: DefaultMaxPacketSize, stream: s}
}

// ReadPacket implements PacketReader.
func (p *ReadWriter) ReadPacket() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(p.stream, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if int64(size) > int64(p.MaxPacketSize) {
		return nil, ErrPacketTooLarge
	}
	pkt := make([]byte, size)
	if _, err := io.ReadFull(p.stream, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// WritePacket implements PacketWriter. Concurrent writes do not
// interleave.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	if len(pkt) > p.MaxPacketSize {
		return ErrPacketTooLarge
	}
	buf := make([]byte, 4+len(pkt))
	binary.LittleEndian.PutUint32(buf, uint32(len(pkt)))
	copy(buf[4:], pkt)
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	_, err := p.stream.Write(buf)
	return err
}

// Close closes the stream if it is an io.Closer.
func (p *ReadWriter) Close() error {
	if closer, ok := p.stream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
