package multiboot_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afska/gba-link-connection-sub000/pkg/link/multiboot"
	"github.com/afska/gba-link-connection-sub000/pkg/link/opensdk"
	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/sim"
)

func testRom(size int) []byte {
	rom := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(rom)
	return rom
}

// joinOnWait connects peers as soon as the host starts waiting.
func joinOnWait(t *testing.T, air *sim.Air, console *sim.Console, peers ...sim.Peer) multiboot.Listener {
	joined := false
	return func(p multiboot.Progress) bool {
		if p.State == multiboot.Waiting && !joined {
			joined = true
			for _, peer := range peers {
				require.NoError(t, air.JoinPeer(console.Adapter().ID(), peer))
			}
		}
		return false
	}
}

// chunkCounts counts the consecutive copies of every transfer chunk.
func chunkCounts(packets [][]byte) []int {
	var counts []int
	var last []byte
	for _, b := range packets {
		pkt, ok := opensdk.ParseServerPacket(b)
		if !ok || pkt.Header.CommState != opensdk.CommCommunicating {
			continue
		}
		if last != nil && bytes.Equal(b, last) {
			counts[len(counts)-1]++
			continue
		}
		counts = append(counts, 1)
		last = b
	}
	return counts
}

func TestSendRom(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	client := sim.NewMultibootClient()
	rom := testRom(1000)

	var states []multiboot.State
	var percentages []int
	join := joinOnWait(t, air, console, client)
	listener := func(p multiboot.Progress) bool {
		states = append(states, p.State)
		percentages = append(percentages, p.Percentage)
		return join(p)
	}

	sender := multiboot.New(console)
	result, err := sender.SendRom(context.Background(), rom, "Multiboot", "Host", 7, 2, listener)
	require.NoError(t, err)
	require.Equal(t, multiboot.Success, result)
	require.True(t, client.Done())
	require.Equal(t, rom, client.ROM())
	require.Equal(t, multiboot.Stopped, sender.Progress().State)
	require.Zero(t, sender.Stats().Retries)

	require.Equal(t, multiboot.Waiting, states[0])
	require.Equal(t, multiboot.Confirming, states[len(states)-1])
	for i := 1; i < len(percentages); i++ {
		require.GreaterOrEqual(t, percentages[i], percentages[i-1])
	}
	require.Equal(t, 100, percentages[len(percentages)-1])

	counts := chunkCounts(client.Packets())
	require.Len(t, counts, (len(rom)+opensdk.MaxServerPayload-1)/opensdk.MaxServerPayload)
	for _, n := range counts {
		require.Equal(t, 1, n)
	}
}

func TestSendRomAdvertisesMultiboot(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	scanner := raw.New(air.NewConsole())
	require.NoError(t, scanner.Activate())

	var servers []raw.Server
	listener := func(p multiboot.Progress) bool {
		if p.State != multiboot.Waiting {
			return false
		}
		require.NoError(t, scanner.BroadcastReadStart())
		var err error
		servers, err = scanner.BroadcastReadPoll()
		require.NoError(t, err)
		return true
	}
	result, _ := multiboot.New(console).SendRom(context.Background(), testRom(multiboot.MinRomSize), "Multiboot", "Host", 7, 2, listener)
	require.Equal(t, multiboot.Canceled, result)
	require.Len(t, servers, 1)
	require.Equal(t, uint16(7|1<<15), servers[0].GameID)
	require.Equal(t, "Multiboot", servers[0].GameName)
}

func TestSendRomToSeveralClients(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	clients := []*sim.MultibootClient{sim.NewMultibootClient(), sim.NewMultibootClient(), sim.NewMultibootClient()}
	rom := testRom(600)

	result, err := multiboot.New(console).SendRom(context.Background(), rom, "Multiboot", "Host", 1, 4,
		joinOnWait(t, air, console, clients[0], clients[1], clients[2]))
	require.NoError(t, err)
	require.Equal(t, multiboot.Success, result)
	for _, client := range clients {
		require.True(t, client.Done())
		require.Equal(t, rom, client.ROM())
	}
}

func TestChunkResend(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	client := sim.NewMultibootClient()
	client.StaleEchoes(3, 2)
	client.StaleEchoes(5, 1)
	rom := testRom(1000)

	sender := multiboot.New(console)
	result, err := sender.SendRom(context.Background(), rom, "Multiboot", "Host", 1, 2, joinOnWait(t, air, console, client))
	require.NoError(t, err)
	require.Equal(t, multiboot.Success, result)
	require.Equal(t, rom, client.ROM())
	require.Equal(t, 3, sender.Stats().Retries)

	counts := chunkCounts(client.Packets())
	for i, n := range counts {
		switch i {
		case 3:
			require.Equal(t, 3, n)
		case 5:
			require.Equal(t, 2, n)
		default:
			require.Equal(t, 1, n, "chunk %d", i)
		}
	}
}

// lazyEnd answers the final end marker with a header that matches
// nothing that was sent.
type lazyEnd struct {
	*sim.MultibootClient
}

func (l lazyEnd) Receive(clientNumber uint8, data []byte) []byte {
	reply := l.MultibootClient.Receive(clientNumber, data)
	if pkt, ok := opensdk.ParseServerPacket(data); ok && !pkt.Header.IsACK && pkt.Header.CommState == opensdk.CommOff {
		b, _ := opensdk.CreateClientBuffer(opensdk.ClientHeader{N: 3, Phase: 2, CommState: opensdk.CommDied}, nil)
		return b
	}
	return reply
}

func TestFinalMarkerAcceptsAnyAnswer(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	client := lazyEnd{sim.NewMultibootClient()}
	rom := testRom(multiboot.MinRomSize)

	result, err := multiboot.New(console).SendRom(context.Background(), rom, "Multiboot", "Host", 1, 2, joinOnWait(t, air, console, client))
	require.NoError(t, err)
	require.Equal(t, multiboot.Success, result)
	require.Equal(t, rom, client.ROM())
}

// badHandshake answers the first ACK with a data packet.
type badHandshake struct{}

func (badHandshake) Receive(uint8, []byte) []byte {
	b, _ := opensdk.CreateClientBuffer(opensdk.ClientHeader{IsACK: true, N: 1, CommState: opensdk.CommStarting}, nil)
	return b
}

func TestBadHandshake(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	result, err := multiboot.New(console).SendRom(context.Background(), testRom(multiboot.MinRomSize), "Multiboot", "Host", 1, 2,
		joinOnWait(t, air, console, badHandshake{}))
	require.Equal(t, multiboot.BadHandshake, result)
	var e *multiboot.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, multiboot.BadHandshake, e.Result)
}

func TestTransportFailure(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	client := sim.NewMultibootClient()
	join := joinOnWait(t, air, console, client)
	corrupted := false
	listener := func(p multiboot.Progress) bool {
		if p.State == multiboot.Sending && p.Percentage > 0 && !corrupted {
			corrupted = true
			console.Adapter().CorruptResponseHeaders(1)
		}
		return join(p)
	}

	result, err := multiboot.New(console).SendRom(context.Background(), testRom(1000), "Multiboot", "Host", 1, 2, listener)
	require.Equal(t, multiboot.Failure, result)
	require.True(t, errors.Is(err, raw.ErrCommandFailed))
	require.False(t, client.Done())
}

func TestNoAnswerIsFailure(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	silent := sim.PeerFunc(func(uint8, []byte) []byte { return nil })

	result, _ := multiboot.New(console).SendRom(context.Background(), testRom(multiboot.MinRomSize), "Multiboot", "Host", 1, 2,
		joinOnWait(t, air, console, silent))
	require.Equal(t, multiboot.Failure, result)
}

func TestCancel(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	result, err := multiboot.New(console).SendRom(context.Background(), testRom(multiboot.MinRomSize), "Multiboot", "Host", 1, 2,
		func(p multiboot.Progress) bool { return p.State == multiboot.Waiting })
	require.Equal(t, multiboot.Canceled, result)
	require.Error(t, err)
	require.Empty(t, air.Hosts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err = multiboot.New(console).SendRom(ctx, testRom(multiboot.MinRomSize), "Multiboot", "Host", 1, 2, nil)
	require.Equal(t, multiboot.Canceled, result)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestInvalidArguments(t *testing.T) {
	air := sim.NewAir(0x100)
	sender := multiboot.New(air.NewConsole())
	testCases := []struct {
		name    string
		size    int
		players int
		result  multiboot.Result
	}{
		{"too small", multiboot.MinRomSize - 1, 2, multiboot.InvalidSize},
		{"too large", multiboot.MaxRomSize + 1, 2, multiboot.InvalidSize},
		{"one player", multiboot.MinRomSize, 1, multiboot.InvalidPlayers},
		{"six players", multiboot.MinRomSize, 6, multiboot.InvalidPlayers},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := sender.SendRom(context.Background(), make([]byte, tc.size), "", "", 0, tc.players, nil)
			require.Equal(t, tc.result, result)
			require.Error(t, err)
		})
	}
}

func TestAdapterNotDetected(t *testing.T) {
	air := sim.NewAir(0x100)
	console := air.NewConsole()
	console.Adapter().Unplug()
	result, err := multiboot.New(console).SendRom(context.Background(), testRom(multiboot.MinRomSize), "", "", 0, 2, nil)
	require.Equal(t, multiboot.AdapterNotDetected, result)
	require.True(t, errors.Is(err, raw.ErrNotDetected))
}
