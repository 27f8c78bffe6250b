package raw_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/sim"
)

func activated(t *testing.T, air *sim.Air) (*sim.Console, *raw.Wireless) {
	console := air.NewConsole()
	w := raw.New(console)
	require.NoError(t, w.Activate())
	return console, w
}

func hostAndClient(t *testing.T) (host, client *raw.Wireless, hostConsole, clientConsole *sim.Console) {
	air := sim.NewAir(0x100)
	hostConsole, host = activated(t, air)
	clientConsole, client = activated(t, air)

	require.NoError(t, host.Setup(2, 2, 32, raw.SetupMagic))
	require.NoError(t, host.Broadcast("TEST GAME", "HOST", 0x1234))
	require.NoError(t, host.StartHost())
	require.NoError(t, client.Connect(hostConsole.Adapter().ID()))

	phase, err := client.KeepConnecting()
	require.NoError(t, err)
	require.Equal(t, raw.PhaseConnecting, phase)

	clients, err := host.PollConnections()
	require.NoError(t, err)
	require.Len(t, clients, 1)

	phase, err = client.KeepConnecting()
	require.NoError(t, err)
	require.Equal(t, raw.PhaseSuccess, phase)
	require.NoError(t, client.FinishConnection())
	return
}

func TestActivate(t *testing.T) {
	console, w := activated(t, sim.NewAir(0))
	require.Equal(t, raw.Authenticated, w.State())
	require.True(t, console.Adapter().LoggedIn())
	require.Equal(t, []byte{raw.CmdHello}, console.Adapter().Commands())
	require.Equal(t, 1, w.PlayerCount())

	require.NoError(t, w.Deactivate())
	require.Equal(t, raw.NeedsReset, w.State())
	require.False(t, w.IsActive())
}

func TestActivateNotDetected(t *testing.T) {
	console := sim.NewAir(0).NewConsole()
	console.Adapter().Unplug()
	w := raw.New(console)
	require.Equal(t, raw.ErrNotDetected, w.Activate())
	require.Equal(t, raw.NeedsReset, w.State())

	console.Adapter().Plug()
	require.NoError(t, w.Activate())
}

func TestSendCommandRoundTrip(t *testing.T) {
	console, w := activated(t, sim.NewAir(0))
	var got []uint32
	console.Adapter().Handle(raw.CmdVersionStatus, func(params []uint32) []uint32 {
		got = params
		return []uint32{1, 2, 0xffff0000}
	})
	res := w.SendCommand(raw.CmdVersionStatus, []uint32{9, 10})
	require.True(t, res.Success)
	require.Equal(t, raw.CmdVersionStatus, res.CommandID)
	require.Equal(t, []uint32{1, 2, 0xffff0000}, res.Data)
	require.Equal(t, []uint32{9, 10}, got)

	res = w.SendCommand(raw.CmdHello, nil)
	require.True(t, res.Success)
	require.Empty(t, res.Data)

	res = w.SendCommand(raw.CmdBroadcast, make([]uint32, raw.MaxCommandTransferLength+1))
	require.False(t, res.Success)
}

func TestCommandFailureResets(t *testing.T) {
	console, w := activated(t, sim.NewAir(0))
	console.Adapter().CorruptResponseHeaders(1)

	err := w.StartHost()
	require.True(t, errors.Is(err, raw.ErrCommandFailed))
	var cmdErr *raw.CommandError
	require.True(t, errors.As(err, &cmdErr))
	require.Equal(t, raw.CmdStartHost, cmdErr.Cmd)
	require.Equal(t, raw.NeedsReset, w.State())

	require.NoError(t, w.Activate())
	require.NoError(t, w.StartHost())
	require.Equal(t, raw.Serving, w.State())
}

func TestAsyncCommand(t *testing.T) {
	console, w := activated(t, sim.NewAir(0))
	var results []raw.CommandResult
	console.Register(hw.IRQSerial, func() {
		if res, done := w.OnSerial(); done {
			results = append(results, res)
		}
	})
	console.Adapter().Handle(raw.CmdSlotStatus, func(params []uint32) []uint32 {
		return []uint32{7, 8}
	})

	require.NoError(t, w.SendCommandAsync(raw.CmdSlotStatus, 1, 2, 3))
	require.True(t, w.IsBusy())
	require.Equal(t, raw.ErrBusy, w.SendCommandAsync(raw.CmdHello))

	console.Service()
	require.False(t, w.IsBusy())
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, raw.CmdSlotStatus, results[0].CommandID)
	require.Equal(t, []uint32{7, 8}, results[0].Data)

	console.Adapter().CorruptResponseHeaders(1)
	require.NoError(t, w.SendCommandAsync(raw.CmdHello))
	console.Service()
	require.Len(t, results, 2)
	require.False(t, results[1].Success)
	require.Empty(t, results[1].Data)
}

func TestDiscovery(t *testing.T) {
	air := sim.NewAir(0x100)
	hostConsole, host := activated(t, air)
	_, searcher := activated(t, air)

	require.NoError(t, host.Broadcast("TEST GAME", "HOST", 0x1234))
	require.NoError(t, host.StartHost())

	require.NoError(t, searcher.BroadcastReadStart())
	require.Equal(t, raw.Searching, searcher.State())
	servers, err := searcher.BroadcastReadPoll()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, hostConsole.Adapter().ID(), servers[0].ID)
	require.Equal(t, uint16(0x1234), servers[0].GameID)
	require.Equal(t, "TEST GAME", servers[0].GameName)
	require.Equal(t, "HOST", servers[0].UserName)
	require.False(t, servers[0].IsFull())
	require.NoError(t, searcher.BroadcastReadEnd())
	require.Equal(t, raw.Authenticated, searcher.State())

	_, err = host.EndHost()
	require.NoError(t, err)
	require.NoError(t, searcher.BroadcastReadStart())
	servers, err = searcher.BroadcastReadPoll()
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestConnectUnknownHost(t *testing.T) {
	_, w := activated(t, sim.NewAir(0))
	require.NoError(t, w.Connect(0x4242))
	phase, err := w.KeepConnecting()
	require.Equal(t, raw.PhaseError, phase)
	require.Equal(t, raw.ErrBadResponse, err)
	require.Equal(t, raw.NeedsReset, w.State())
}

func TestDataExchange(t *testing.T) {
	host, client, _, _ := hostAndClient(t)
	require.Equal(t, raw.Connected, client.State())
	require.Equal(t, 1, client.CurrentPlayerID())
	require.Equal(t, 2, host.PlayerCount())

	require.NoError(t, client.SendData([]uint32{0xdeadbeef}, 0))
	resp, err := host.ReceiveData()
	require.NoError(t, err)
	require.Equal(t, 4, resp.SentBytes[1])
	require.Equal(t, []uint32{0xdeadbeef}, resp.Data)

	resp, err = host.ReceiveData()
	require.NoError(t, err)
	require.Empty(t, resp.Data)

	remote, err := host.Wait()
	require.NoError(t, err)
	require.Equal(t, raw.EventWaitTimeout, remote.CommandID)

	require.NoError(t, host.SendData([]uint32{0x01020304, 5}, 0))
	remote, err = client.Wait()
	require.NoError(t, err)
	require.Equal(t, raw.EventDataAvailable, remote.CommandID)
	resp, err = client.ReceiveData()
	require.NoError(t, err)
	require.Equal(t, 8, resp.SentBytes[0])
	require.Equal(t, []uint32{0x01020304, 5}, resp.Data)

	require.Equal(t, raw.ErrTooMuchData, client.SendData(make([]uint32, 5), 0))
}

func TestSendDataHeaders(t *testing.T) {
	require.Equal(t, uint32(87), raw.SendDataHeader(0, 87))
	require.Equal(t, uint32(16)<<8, raw.SendDataHeader(1, 16))
	require.Equal(t, uint32(4)<<23, raw.SendDataHeader(4, 4))

	sent := raw.ParseReceiveDataHeader(87 | 16<<8 | 4<<23)
	require.Equal(t, [raw.MaxPlayers]int{87, 16, 0, 0, 4}, sent)
}

func TestSystemStatus(t *testing.T) {
	host, client, _, clientConsole := hostAndClient(t)

	status, err := client.GetSystemStatus()
	require.NoError(t, err)
	require.Equal(t, raw.Connected, status.AdapterState)
	require.Equal(t, 1, status.CurrentPlayerID)
	require.Equal(t, clientConsole.Adapter().ID(), status.DeviceID)

	status, err = host.GetSystemStatus()
	require.NoError(t, err)
	require.Equal(t, raw.Serving, status.AdapterState)
	require.False(t, status.IsServerClosed)

	levels, err := host.GetSignalLevel()
	require.NoError(t, err)
	require.Equal(t, uint8(0xff), levels[0])
	require.Equal(t, uint8(0), levels[1])
}

func TestRestoreExistingConnection(t *testing.T) {
	_, _, hostConsole, clientConsole := hostAndClient(t)

	host := raw.New(hostConsole)
	require.NoError(t, host.RestoreExistingConnection())
	require.Equal(t, raw.Serving, host.State())
	require.Equal(t, 2, host.PlayerCount())

	client := raw.New(clientConsole)
	require.NoError(t, client.RestoreExistingConnection())
	require.Equal(t, raw.Connected, client.State())
	require.Equal(t, 1, client.CurrentPlayerID())

	idleConsole, _ := activated(t, sim.NewAir(0))
	idle := raw.New(idleConsole)
	require.Equal(t, raw.ErrBadResponse, idle.RestoreExistingConnection())
	require.Equal(t, raw.NeedsReset, idle.State())
}

func TestDisconnectClient(t *testing.T) {
	host, client, _, _ := hostAndClient(t)
	require.NoError(t, host.DisconnectClient(0b1))
	require.Equal(t, 1, host.PlayerCount())

	_, err := client.Wait()
	require.Equal(t, raw.ErrUnexpectedEvent, err)
	require.Equal(t, raw.NeedsReset, client.State())
}

func TestBroadcastNames(t *testing.T) {
	words, err := raw.EncodeBroadcast(0x7fff, "ABCDEFGHIJKLMN", "12345678")
	require.NoError(t, err)
	require.Len(t, words, raw.BroadcastLength)
	require.Equal(t, uint32(0x7fff|'A'<<16|'B'<<24), words[0])

	id, game, user := raw.DecodeBroadcast(words)
	require.Equal(t, uint16(0x7fff), id)
	require.Equal(t, "ABCDEFGHIJKLMN", game)
	require.Equal(t, "12345678", user)

	_, err = raw.EncodeBroadcast(1, "ABCDEFGHIJKLMNO", "")
	require.Equal(t, raw.ErrGameNameTooLong, err)
	_, err = raw.EncodeBroadcast(1, "", "123456789")
	require.Equal(t, raw.ErrUserNameTooLong, err)
}
