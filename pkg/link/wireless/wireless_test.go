package wireless

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/sim"
)

type node struct {
	console *sim.Console
	session *Session
}

func newNode(t *testing.T, air *sim.Air, conf *Config) node {
	console := air.NewConsole()
	s, err := conf.NewSession(console)
	require.NoError(t, err)
	s.Install(console)
	require.NoError(t, s.Activate())
	return node{console: console, session: s}
}

func tickUntil(t *testing.T, nodes []node, cond func() bool) {
	for i := 0; i < 100; i++ {
		for _, n := range nodes {
			n.console.Tick()
		}
		if cond() {
			return
		}
	}
	t.Fatal("condition not reached")
}

func connect(t *testing.T, host, client node) {
	servers, err := client.session.GetServers(nil)
	require.NoError(t, err)
	require.NotEmpty(t, servers)
	var id uint16
	for _, server := range servers {
		if server.ID == host.console.Adapter().ID() {
			id = server.ID
		}
	}
	require.NotZero(t, id)

	require.NoError(t, client.session.Connect(id))
	for i := 0; client.session.State() != raw.Connected; i++ {
		require.Less(t, i, 20)
		require.NoError(t, client.session.KeepConnecting())
		host.console.Tick()
	}
}

func room(t *testing.T, players int) []node {
	air := sim.NewAir(0x200)
	conf := NewConfig()
	conf.MaxPlayers = players
	host := newNode(t, air, conf)
	require.NoError(t, host.session.Serve("Game", "User", 1))
	require.Equal(t, raw.Serving, host.session.State())

	nodes := []node{host}
	for i := 1; i < players; i++ {
		client := newNode(t, air, conf)
		connect(t, host, client)
		nodes = append(nodes, client)
	}
	tickUntil(t, nodes, func() bool {
		for _, n := range nodes {
			if n.session.PlayerCount() != players {
				return false
			}
		}
		return true
	})
	return nodes
}

func receiveAll(n node, got *[]Message) func() bool {
	return func() bool {
		*got = append(*got, n.session.Receive()...)
		return len(*got) > 0
	}
}

func TestHeaderLayout(t *testing.T) {
	testCases := []struct {
		name    string
		compact bool
		h       header
		expect  uint16
	}{
		{"packet id", false, header{partialPacketID: 63}, 63},
		{"confirmation", false, header{isConfirmation: true}, 1 << 6},
		{"player id", false, header{playerID: 4}, 4 << 7},
		{"client count", false, header{clientCount: 3}, 3 << 10},
		{"checksum", false, header{checksum: 15}, 15 << 12},
		{"compact packet id", true, header{partialPacketID: 31}, 31},
		{"compact confirmation", true, header{isConfirmation: true}, 1 << 5},
		{"compact player id", true, header{playerID: 1}, 1 << 6},
		{"compact quick data", true, header{quickData: 31}, 31 << 7},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, tc.h.pack(tc.compact))
			require.Equal(t, tc.h, unpackHeader(tc.expect, tc.compact))
		})
	}
}

func TestChecksum(t *testing.T) {
	require.Equal(t, uint8(0), checksum(0))
	require.Equal(t, uint8(0), checksum(0xffff))
	require.Equal(t, uint8(15), checksum(0x7fff))
	require.Equal(t, uint8(3), checksum(0b10101))

	for _, data := range []uint16{0, 1, 42, 0x8000, 0xffff} {
		word := buildWord(header{partialPacketID: 1}, data, false)
		_, got, ok := parseWord(word, false)
		require.True(t, ok)
		require.Equal(t, data, got)

		_, _, ok = parseWord(word^(1<<28), false)
		require.False(t, ok)
	}
}

func servingSession(t *testing.T) *Session {
	n := newNode(t, sim.NewAir(0), NewConfig())
	require.NoError(t, n.session.Serve("Game", "User", 1))
	return n.session
}

func TestChecksumRejection(t *testing.T) {
	s := servingSession(t)
	good := buildWord(header{partialPacketID: 1, playerID: 1}, 42, false)
	bad := good ^ 1<<28

	s.lock()
	s.processWord(1, bad)
	s.unlock()
	require.Equal(t, 0, s.Available())

	s.lock()
	s.processWord(1, good)
	s.unlock()
	require.Equal(t, []Message{{PacketID: 1, Data: 42, PlayerID: 1}}, s.Receive())
}

func TestPacketIDMonotonicity(t *testing.T) {
	s := servingSession(t)
	s.lock()
	for _, id := range []uint8{1, 2, 2, 4, 3, 4, 6, 5} {
		s.processWord(1, buildWord(header{partialPacketID: id, playerID: 1}, uint16(id), false))
	}
	s.unlock()

	var ids []uint32
	for _, msg := range s.Receive() {
		ids = append(ids, msg.PacketID)
		require.Equal(t, uint16(msg.PacketID), msg.Data)
	}
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, ids)
}

func TestPacketIDStartsAtOne(t *testing.T) {
	s := servingSession(t)
	s.lock()
	for _, id := range []uint8{5, 2, 3, 1, 2, 3} {
		s.processWord(1, buildWord(header{partialPacketID: id, playerID: 1}, uint16(id), false))
	}
	require.Equal(t, uint32(3), s.lastReceived[1])
	s.unlock()

	var ids []uint32
	for _, msg := range s.Receive() {
		ids = append(ids, msg.PacketID)
	}
	require.Equal(t, []uint32{1, 2, 3}, ids)
}

func TestPacketIDWraps(t *testing.T) {
	s := servingSession(t)
	s.lock()
	s.lastReceived[2] = 61
	for id := uint32(62); id < 67; id++ {
		s.processWord(2, buildWord(header{partialPacketID: uint8(id % 64), playerID: 2}, 0, false))
	}
	s.unlock()
	require.Len(t, s.Receive(), 5)
}

func TestQueueBoundedness(t *testing.T) {
	nodes := room(t, 2)
	host := nodes[0].session
	for i := 0; i < host.Config().QueueSize; i++ {
		require.NoError(t, host.Send(uint16(i)))
	}
	require.Equal(t, ErrBufferIsFull, host.Send(1000))
	require.Equal(t, ErrBufferIsFull, host.LastError(true))
	require.Equal(t, NoError, host.LastError(false))
	require.Equal(t, host.Config().QueueSize, host.Pending())

	var got []Message
	tickUntil(t, nodes, func() bool {
		got = append(got, nodes[1].session.Receive()...)
		return len(got) == host.Config().QueueSize
	})
	for i, msg := range got {
		require.Equal(t, uint16(i), msg.Data)
	}
}

func TestQueueBoundednessWhileSending(t *testing.T) {
	host := newNode(t, sim.NewAir(0x500), NewConfig())
	require.NoError(t, host.session.Serve("Game", "User", 1))
	size := host.session.Config().QueueSize

	accepted := 0
	for burst := 0; burst < 3; burst++ {
		for i := 0; i < 40; i++ {
			if host.session.Send(uint16(i)) == nil {
				accepted++
			}
		}
		for i := 0; i < 5; i++ {
			host.console.Tick()
		}
	}
	require.Equal(t, size, accepted)
	require.Equal(t, size, host.session.Pending())
	require.Equal(t, ErrBufferIsFull, host.session.LastError(false))
}

func TestUserErrors(t *testing.T) {
	n := newNode(t, sim.NewAir(0), NewConfig())
	s := n.session

	require.Equal(t, ErrWrongState, s.Send(1))
	require.Equal(t, ErrWrongState, s.KeepConnecting())
	require.Equal(t, ErrGameNameTooLong, s.Serve("A GAME NAME TOO LONG", "", 1))
	require.Equal(t, ErrUserNameTooLong, s.Serve("", "USERNAME1", 1))
	require.True(t, s.LastError(true).IsUserError())
	require.Equal(t, raw.Authenticated, s.State())
	require.False(t, ErrTimeout.IsUserError())
}

func TestResetIdempotence(t *testing.T) {
	nodes := room(t, 2)
	host := nodes[0].session
	require.NoError(t, host.Send(1))

	for i := 0; i < 3; i++ {
		require.NoError(t, host.Deactivate())
		require.NoError(t, host.Activate())
		require.Equal(t, raw.Authenticated, host.State())
		require.Equal(t, 1, host.PlayerCount())
		require.False(t, host.IsConnected())
		require.Equal(t, 0, host.Pending())
		require.Equal(t, 0, host.Available())
	}
}

func TestEndToEnd(t *testing.T) {
	nodes := room(t, 2)
	host, client := nodes[0].session, nodes[1].session
	require.True(t, host.IsConnected())
	require.True(t, client.IsConnected())
	require.Equal(t, 1, client.CurrentPlayerID())

	require.NoError(t, host.Send(42))
	var got []Message
	tickUntil(t, nodes, receiveAll(nodes[1], &got))
	for i := 0; i < 10; i++ {
		for _, n := range nodes {
			n.console.Tick()
		}
		got = append(got, client.Receive()...)
	}
	require.Len(t, got, 1)
	require.Equal(t, uint16(42), got[0].Data)
	require.Equal(t, 0, got[0].PlayerID)
	require.Equal(t, 0, host.Pending())

	require.NoError(t, client.Send(7))
	got = nil
	tickUntil(t, nodes, receiveAll(nodes[0], &got))
	require.Len(t, got, 1)
	require.Equal(t, uint16(7), got[0].Data)
	require.Equal(t, 1, got[0].PlayerID)
}

func TestForwarding(t *testing.T) {
	nodes := room(t, 3)
	host, first, second := nodes[0].session, nodes[1].session, nodes[2].session
	require.Equal(t, 2, second.CurrentPlayerID())

	require.NoError(t, first.Send(5))
	var atHost []Message
	tickUntil(t, nodes, receiveAll(nodes[0], &atHost))
	require.Equal(t, 1, atHost[0].PlayerID)

	var atSecond []Message
	tickUntil(t, nodes, receiveAll(nodes[2], &atSecond))
	require.Equal(t, uint16(5), atSecond[0].Data)
	require.Equal(t, 1, atSecond[0].PlayerID)
	require.Empty(t, first.Receive())
	require.Equal(t, 3, host.PlayerCount())
}

func TestLateJoin(t *testing.T) {
	air := sim.NewAir(0x400)
	conf := NewConfig()
	conf.MaxPlayers = 3
	host := newNode(t, air, conf)
	require.NoError(t, host.session.Serve("Game", "User", 1))
	first := newNode(t, air, conf)
	connect(t, host, first)
	nodes := []node{host, first}
	tickUntil(t, nodes, func() bool { return first.session.PlayerCount() == 2 })

	for i := 0; i < 3; i++ {
		require.NoError(t, host.session.Send(uint16(i)))
	}
	var atFirst []Message
	tickUntil(t, nodes, func() bool {
		atFirst = append(atFirst, first.session.Receive()...)
		return len(atFirst) == 3 && host.session.Pending() == 0
	})

	second := newNode(t, air, conf)
	require.NoError(t, second.session.Connect(host.console.Adapter().ID()))
	for i := 0; second.session.State() != raw.Connected; i++ {
		require.Less(t, i, 20)
		require.NoError(t, second.session.KeepConnecting())
		host.console.Tick()
		first.console.Tick()
	}
	nodes = append(nodes, second)
	tickUntil(t, nodes, func() bool {
		return host.session.PlayerCount() == 3 && second.session.PlayerCount() == 3
	})

	require.NoError(t, host.session.Send(77))
	var atSecond []Message
	tickUntil(t, nodes, receiveAll(second, &atSecond))
	for i := 0; i < 10; i++ {
		for _, n := range nodes {
			n.console.Tick()
		}
		atSecond = append(atSecond, second.session.Receive()...)
	}
	require.Len(t, atSecond, 1)
	require.Equal(t, Message{PacketID: 4, Data: 77, PlayerID: 0}, atSecond[0])

	atFirst = nil
	tickUntil(t, nodes, receiveAll(first, &atFirst))
	require.Equal(t, uint16(77), atFirst[0].Data)
}

func TestConcurrentSendAndForwarding(t *testing.T) {
	const n = 40
	nodes := room(t, 3)
	host, first, second := nodes[0].session, nodes[1].session, nodes[2].session

	var stop atomic.Bool
	var received atomic.Int32
	var atHost []Message
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n && !stop.Load(); {
			if host.Send(uint16(1000+i)) == nil {
				i++
			} else {
				runtime.Gosched()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for !stop.Load() {
			msgs := host.Receive()
			atHost = append(atHost, msgs...)
			received.Add(int32(len(msgs)))
			runtime.Gosched()
		}
	}()

	var atFirst, atSecond []Message
	sent := 0
	for round := 0; round < 10000; round++ {
		if sent < n && first.Send(uint16(sent)) == nil {
			sent++
		}
		for _, node := range nodes {
			node.console.Tick()
		}
		atFirst = append(atFirst, first.Receive()...)
		atSecond = append(atSecond, second.Receive()...)
		if len(atFirst) == n && len(atSecond) == 2*n && received.Load() == n {
			break
		}
	}
	stop.Store(true)
	wg.Wait()

	var fromHost, forwarded []uint16
	for _, msg := range atSecond {
		if msg.PlayerID == 0 {
			fromHost = append(fromHost, msg.Data)
		} else {
			require.Equal(t, 1, msg.PlayerID)
			forwarded = append(forwarded, msg.Data)
		}
	}
	require.Len(t, atHost, n)
	require.Len(t, fromHost, n)
	require.Len(t, forwarded, n)
	require.Len(t, atFirst, n)
	for i := 0; i < n; i++ {
		require.Equal(t, uint16(i), atHost[i].Data)
		require.Equal(t, uint16(1000+i), fromHost[i])
		require.Equal(t, uint16(i), forwarded[i])
		require.Equal(t, uint16(1000+i), atFirst[i].Data)
	}
}

func TestNoRetransmission(t *testing.T) {
	air := sim.NewAir(0x300)
	conf := NewConfig()
	conf.MaxPlayers = 2
	conf.Retransmission = false
	host := newNode(t, air, conf)
	require.NoError(t, host.session.Serve("Game", "User", 1))
	client := newNode(t, air, conf)
	connect(t, host, client)
	nodes := []node{host, client}

	require.NoError(t, client.session.Send(9))
	var got []Message
	tickUntil(t, nodes, receiveAll(host, &got))
	require.Equal(t, uint16(9), got[0].Data)
	require.Equal(t, 0, client.session.Pending())
}

func TestTimeout(t *testing.T) {
	nodes := room(t, 2)
	host := nodes[0].session
	for i := 0; i < 3*host.Config().Timeout && host.State() != raw.NeedsReset; i++ {
		nodes[0].console.Tick()
	}
	require.Equal(t, raw.NeedsReset, host.State())
	require.Equal(t, ErrTimeout, host.LastError(true))
	require.Equal(t, 0, host.Pending())
}

func TestRemoteTimeout(t *testing.T) {
	nodes := room(t, 3)
	host := nodes[0].session
	for i := 0; i < 3*host.Config().RemoteTimeout && host.State() != raw.NeedsReset; i++ {
		nodes[0].console.Tick()
		nodes[1].console.Tick()
	}
	require.Equal(t, raw.NeedsReset, host.State())
	require.Equal(t, ErrRemoteTimeout, host.LastError(true))
}

func TestSignalLevel(t *testing.T) {
	nodes := room(t, 2)
	levels, err := nodes[0].session.SignalLevel()
	require.NoError(t, err)
	require.NotZero(t, levels[0])
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name  string
		apply func(*Config)
		ok    bool
	}{
		{"default", func(*Config) {}, true},
		{"one player", func(c *Config) { c.MaxPlayers = 1 }, false},
		{"six players", func(c *Config) { c.MaxPlayers = 6 }, false},
		{"compact needs two", func(c *Config) { c.CompactHeaders = true }, false},
		{"compact", func(c *Config) { c.CompactHeaders, c.MaxPlayers = true, 2 }, true},
		{"queue over ids", func(c *Config) { c.QueueSize = 64 }, false},
		{"compact queue", func(c *Config) { c.CompactHeaders, c.MaxPlayers, c.QueueSize = true, 2, 32 }, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conf := NewConfig()
			tc.apply(conf)
			if tc.ok {
				require.NoError(t, conf.Validate())
			} else {
				require.Error(t, conf.Validate())
			}
		})
	}
	require.Equal(t, 762939*time.Nanosecond, NewConfig().TimerPeriod())
}

type countingLines struct {
	timers, frames atomic.Int32
}

func (c *countingLines) Timer()  { c.timers.Add(1) }
func (c *countingLines) VBlank() { c.frames.Add(1) }

func TestDriver(t *testing.T) {
	lines := &countingLines{}
	d := NewConfig().NewDriver("test", lines)
	d.TimerPeriod, d.FramePeriod = time.Millisecond, 2*time.Millisecond
	require.Equal(t, "test", d.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, d.Run(ctx))
	require.Greater(t, lines.timers.Load(), int32(0))
	require.Greater(t, lines.frames.Load(), int32(0))
}
