package stream

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	require.NoError(t, p.WritePacket([]byte{1, 2, 3}))
	require.NoError(t, p.WritePacket(nil))
	require.Equal(t, []byte{3, 0, 0, 0, 1, 2, 3, 0, 0, 0, 0}, buf.Bytes())

	pkt, err := p.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, pkt)
	pkt, err = p.ReadPacket()
	require.NoError(t, err)
	require.Empty(t, pkt)
	_, err = p.ReadPacket()
	require.Equal(t, io.EOF, err)
}

func TestPacketTooLarge(t *testing.T) {
	p := New(bytes.NewBuffer([]byte{0, 0, 1, 0}))
	p.MaxPacketSize = 16
	_, err := p.ReadPacket()
	require.Equal(t, ErrPacketTooLarge, err)
	require.Equal(t, ErrPacketTooLarge, p.WritePacket(make([]byte, 17)))
}

func TestTruncatedPacket(t *testing.T) {
	p := New(bytes.NewBuffer([]byte{4, 0, 0, 0, 1}))
	_, err := p.ReadPacket()
	require.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestPipe(t *testing.T) {
	a, b := net.Pipe()
	left, right := New(a), New(b)
	go func() {
		left.WritePacket([]byte("hello"))
		left.Close()
	}()
	pkt, err := right.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "hello", string(pkt))
	_, err = right.ReadPacket()
	require.Error(t, err)
}
