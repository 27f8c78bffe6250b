package sim

import (
	"bytes"

	"github.com/afska/gba-link-connection-sub000/pkg/link/opensdk"
)

// StartCommand is the payload announcing the ROM transfer.
var StartCommand = []byte{0x54, 0x02}

// HandshakeRounds is how many exact echoes a client needs before it
// reports itself ready.
const HandshakeRounds = 2

// MultibootClient is a Peer receiving a ROM the way a console booting
// from the adapter does. It is driven under the Air lock; read its
// results once the transfer is over.
type MultibootClient struct {
	countdown opensdk.CommState
	started   bool
	ending    bool
	done      bool

	expected opensdk.SequenceNumber
	last     opensdk.SequenceNumber
	chunk    int
	stale    map[int]int

	rom     []byte
	packets [][]byte
}

// NewMultibootClient creates a client waiting for its handshake.
func NewMultibootClient() *MultibootClient {
	return &MultibootClient{countdown: HandshakeRounds, stale: make(map[int]int)}
}

// StaleEchoes makes the client answer the given chunk with the previous
// sequence number times times before accepting it.
func (m *MultibootClient) StaleEchoes(chunk, times int) {
	m.stale[chunk] = times
}

// ROM returns the bytes received so far.
func (m *MultibootClient) ROM() []byte {
	return m.rom
}

// Done reports whether the final end marker arrived.
func (m *MultibootClient) Done() bool {
	return m.done
}

// Packets returns every non-ACK packet the host sent to this client.
func (m *MultibootClient) Packets() [][]byte {
	return m.packets
}

// Receive implements Peer.
func (m *MultibootClient) Receive(clientNumber uint8, data []byte) []byte {
	pkt, ok := opensdk.ParseServerPacket(data)
	if !ok || pkt.Header.TargetSlots&(1<<clientNumber) == 0 {
		return nil
	}
	h := pkt.Header
	if h.IsACK {
		return m.handshake(h)
	}
	m.packets = append(m.packets, data[:opensdk.ServerHeaderSize+int(h.PayloadSize)])

	switch {
	case h.CommState == opensdk.CommStarting && bytes.Equal(pkt.Payload, StartCommand):
		m.started = true
		m.last = h.Sequence()
		m.expected = m.last.Next()
		return m.ack(m.last, opensdk.CommStarting)
	case h.CommState == opensdk.CommCommunicating && m.started:
		if h.Sequence() != m.expected {
			return m.ack(m.last, opensdk.CommCommunicating)
		}
		if m.stale[m.chunk] > 0 {
			m.stale[m.chunk]--
			return m.ack(m.last, opensdk.CommCommunicating)
		}
		m.rom = append(m.rom, pkt.Payload...)
		m.last = m.expected
		m.expected = m.expected.Next()
		m.chunk++
		return m.ack(m.last, opensdk.CommCommunicating)
	case h.CommState == opensdk.CommEnding:
		m.ending = true
		return m.ack(h.Sequence(), opensdk.CommEnding)
	case h.CommState == opensdk.CommOff && m.ending:
		m.done = true
		return m.ack(h.Sequence(), opensdk.CommOff)
	}
	return nil
}

// handshake counts down every time the host echoes the current state.
func (m *MultibootClient) handshake(h opensdk.ServerHeader) []byte {
	if m.countdown > 0 && h.CommState == m.countdown && h.N == 0 && h.Phase == 0 {
		m.countdown--
	}
	b, _ := opensdk.CreateClientBuffer(opensdk.ClientHeader{CommState: m.countdown}, nil)
	return b
}

func (m *MultibootClient) ack(seq opensdk.SequenceNumber, state opensdk.CommState) []byte {
	b, _ := opensdk.CreateClientBuffer(opensdk.ClientHeader{
		IsACK:     true,
		N:         seq.N,
		Phase:     seq.Phase,
		CommState: state,
	}, nil)
	return b
}
