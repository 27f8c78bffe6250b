package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	server := httptest.NewServer(Handler(func(p *ReadWriter) {
		for {
			pkt, err := p.ReadPacket()
			if err != nil {
				return
			}
			if err := p.WritePacket(append(pkt, 0xff)); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p, err := Dial("ws"+strings.TrimPrefix(server.URL, "http"), server.URL)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.WritePacket([]byte{1, 2}))
	pkt, err := p.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 0xff}, pkt)
}
