package raw

import (
	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/spi"
)

// Server is a host found by broadcast discovery.
type Server struct {
	ID               uint16
	GameID           uint16
	GameName         string
	UserName         string
	NextClientNumber uint8
}

// IsFull reports whether the host has no slot left.
func (s Server) IsFull() bool {
	return s.NextClientNumber == 0xff
}

// ConnectionPhase is the progress of a client connection.
type ConnectionPhase int

// Connection phases.
const (
	PhaseConnecting ConnectionPhase = iota
	PhaseError
	PhaseSuccess
)

// SystemStatus is the decoded SystemStatus response.
type SystemStatus struct {
	DeviceID        uint16
	CurrentPlayerID int
	AdapterState    State
	IsServerClosed  bool
}

// ReceiveDataResponse holds the words received since the last call and
// how many bytes each player contributed.
type ReceiveDataResponse struct {
	SentBytes [MaxPlayers]int
	Data      []uint32
}

// Setup configures the session parameters. maxPlayers ranges 2..5.
func (w *Wireless) Setup(maxPlayers, maxTransmissions, waitTimeout int, magic uint32) error {
	param := magic |
		uint32((MaxPlayers-maxPlayers)&0b11)<<16 |
		uint32(maxTransmissions&0xff)<<8 |
		uint32(waitTimeout&0xff)
	_, err := w.run(CmdSetup, param)
	return err
}

// Broadcast sets the data advertised while serving.
func (w *Wireless) Broadcast(gameName, userName string, gameID uint16) error {
	words, err := EncodeBroadcast(gameID, gameName, userName)
	if err != nil {
		return err
	}
	_, err = w.run(CmdBroadcast, words...)
	return err
}

// StartHost starts serving. The broadcast data becomes visible.
func (w *Wireless) StartHost() error {
	if _, err := w.run(CmdStartHost); err != nil {
		return err
	}
	w.state = Serving
	w.session = SessionState{PlayerCount: 1}
	glog.V(1).Info("serving")
	return nil
}

// GetSignalLevel returns one signal level per client slot.
func (w *Wireless) GetSignalLevel() ([MaxClients]uint8, error) {
	var levels [MaxClients]uint8
	res, err := w.run(CmdSignalLevel)
	if err != nil {
		return levels, err
	}
	if len(res.Data) > 0 {
		for i := range levels {
			levels[i] = uint8(res.Data[0] >> (8 * uint(i)))
		}
	}
	return levels, nil
}

// GetSystemStatus reads the adapter's own view of the session.
func (w *Wireless) GetSystemStatus() (SystemStatus, error) {
	var status SystemStatus
	res, err := w.run(CmdSystemStatus)
	if err != nil {
		return status, err
	}
	if len(res.Data) == 0 {
		return status, w.fail(CmdSystemStatus, "empty status")
	}
	word := res.Data[0]
	status.DeviceID = uint16(word)
	switch (word >> 16) & 0b1111 {
	case 0b0001:
		status.CurrentPlayerID = 1
	case 0b0010:
		status.CurrentPlayerID = 2
	case 0b0100:
		status.CurrentPlayerID = 3
	case 0b1000:
		status.CurrentPlayerID = 4
	}
	switch word >> 24 {
	case 1:
		status.AdapterState, status.IsServerClosed = Serving, true
	case 2:
		status.AdapterState = Serving
	case 3:
		status.AdapterState = Searching
	case 4:
		status.AdapterState = Connecting
	case 5:
		status.AdapterState = Connected
	default:
		status.AdapterState = Authenticated
	}
	return status, nil
}

// GetSlotStatus returns the next client number and the admitted clients.
func (w *Wireless) GetSlotStatus() (nextClientNumber uint8, clients []ConnectedClient, err error) {
	res, err := w.run(CmdSlotStatus)
	if err != nil {
		return 0, nil, err
	}
	if len(res.Data) == 0 {
		return 0, nil, w.fail(CmdSlotStatus, "empty status")
	}
	nextClientNumber = uint8(res.Data[0])
	for _, word := range res.Data[1:] {
		clients = append(clients, parseClient(word))
	}
	return nextClientNumber, clients, nil
}

// PollConnections admits clients waiting to connect and returns every
// client admitted so far.
func (w *Wireless) PollConnections() ([]ConnectedClient, error) {
	res, err := w.run(CmdAcceptConnections)
	if err != nil {
		return nil, err
	}
	return w.ApplyConnections(res.Data), nil
}

// ApplyConnections updates the session from an AcceptConnections or
// EndHost response. It is exported for the asynchronous path.
func (w *Wireless) ApplyConnections(data []uint32) []ConnectedClient {
	clients := make([]ConnectedClient, 0, len(data))
	for _, word := range data {
		if len(clients) == MaxClients {
			break
		}
		clients = append(clients, parseClient(word))
	}
	w.session.Clients = clients
	w.session.PlayerCount = 1 + len(clients)
	return clients
}

// EndHost closes the room. Already admitted clients stay connected.
func (w *Wireless) EndHost() ([]ConnectedClient, error) {
	res, err := w.run(CmdEndHost)
	if err != nil {
		return nil, err
	}
	return w.ApplyConnections(res.Data), nil
}

// BroadcastReadStart starts searching for hosts.
func (w *Wireless) BroadcastReadStart() error {
	if _, err := w.run(CmdBroadcastReadStart); err != nil {
		return err
	}
	w.state = Searching
	return nil
}

// BroadcastReadPoll returns the hosts found so far.
func (w *Wireless) BroadcastReadPoll() ([]Server, error) {
	res, err := w.run(CmdBroadcastReadPoll)
	if err != nil {
		return nil, err
	}
	if len(res.Data)%BroadcastResponseLen != 0 {
		return nil, w.fail(CmdBroadcastReadPoll, "bad length")
	}
	return ParseServers(res.Data), nil
}

// ParseServers decodes BroadcastReadPoll words, 7 per host.
func ParseServers(data []uint32) []Server {
	var servers []Server
	for i := 0; i+BroadcastResponseLen <= len(data); i += BroadcastResponseLen {
		server := Server{
			ID:               uint16(data[i]),
			NextClientNumber: uint8(data[i] >> 16),
		}
		server.GameID, server.GameName, server.UserName = DecodeBroadcast(data[i+1 : i+BroadcastResponseLen])
		servers = append(servers, server)
	}
	return servers
}

// BroadcastReadEnd stops searching.
func (w *Wireless) BroadcastReadEnd() error {
	if _, err := w.run(CmdBroadcastReadEnd); err != nil {
		return err
	}
	w.state = Authenticated
	return nil
}

// Connect asks the host with serverID to admit this console.
func (w *Wireless) Connect(serverID uint16) error {
	if _, err := w.run(CmdConnect, uint32(serverID)); err != nil {
		return err
	}
	w.state = Connecting
	return nil
}

// KeepConnecting polls the connection started by Connect.
func (w *Wireless) KeepConnecting() (ConnectionPhase, error) {
	res, err := w.run(CmdIsFinishedConnect)
	if err != nil {
		return PhaseError, err
	}
	if len(res.Data) == 0 {
		return PhaseError, w.fail(CmdIsFinishedConnect, "empty response")
	}
	if res.Data[0] == StillConnecting {
		return PhaseConnecting, nil
	}
	playerID := 1 + int(uint8(res.Data[0]>>16))
	if playerID >= MaxPlayers {
		w.Reset()
		return PhaseError, ErrBadResponse
	}
	w.session.CurrentPlayerID = playerID
	return PhaseSuccess, nil
}

// FinishConnection completes a successful connection.
func (w *Wireless) FinishConnection() error {
	if _, err := w.run(CmdFinishConnection); err != nil {
		return err
	}
	w.state = Connected
	w.session.PlayerCount = 1 + w.session.CurrentPlayerID
	glog.V(1).Infof("connected as player %d", w.session.CurrentPlayerID)
	return nil
}

// SendDataHeader returns the leading word of SendData: the byte count,
// shifted into the slot of the sending player.
func SendDataHeader(playerID, bytes int) uint32 {
	if playerID == 0 {
		return uint32(bytes)
	}
	return uint32(bytes) << (3 + 5*uint(playerID))
}

// ParseReceiveDataHeader splits the leading word of ReceiveData.
func ParseReceiveDataHeader(word uint32) (sentBytes [MaxPlayers]int) {
	sentBytes[0] = int(word & 0b1111111)
	for i := 1; i < MaxPlayers; i++ {
		sentBytes[i] = int(word>>(3+5*uint(i))) & 0b11111
	}
	return
}

// SendDataParams builds the SendData parameters for data. bytes of 0
// means every word is used.
func (w *Wireless) SendDataParams(data []uint32, bytes int) ([]uint32, error) {
	if bytes == 0 {
		bytes = len(data) * 4
	}
	limit := MaxServerTransferBytes
	if w.session.CurrentPlayerID != 0 {
		limit = MaxClientTransferBytes
	}
	if bytes > limit || bytes > len(data)*4 {
		return nil, ErrTooMuchData
	}
	params := make([]uint32, 0, 1+len(data))
	params = append(params, SendDataHeader(w.session.CurrentPlayerID, bytes))
	return append(params, data...), nil
}

// SendData queues data for the next radio transmission.
func (w *Wireless) SendData(data []uint32, bytes int) error {
	params, err := w.SendDataParams(data, bytes)
	if err != nil {
		return err
	}
	_, err = w.run(CmdSendData, params...)
	return err
}

// SendDataAndWait sends data and gives the clock to the adapter, which
// answers once data arrives or its wait timeout elapses.
func (w *Wireless) SendDataAndWait(data []uint32, bytes int) (CommandResult, error) {
	params, err := w.SendDataParams(data, bytes)
	if err != nil {
		return CommandResult{}, err
	}
	if _, err := w.run(CmdSendDataAndWait, params...); err != nil {
		return CommandResult{}, err
	}
	return w.receiveAdapterCommand(CmdSendDataAndWait)
}

// ReceiveData returns what arrived since the last call.
func (w *Wireless) ReceiveData() (ReceiveDataResponse, error) {
	res, err := w.run(CmdReceiveData)
	if err != nil {
		return ReceiveDataResponse{}, err
	}
	return ParseReceiveData(res.Data), nil
}

// ParseReceiveData decodes a ReceiveData response.
func ParseReceiveData(data []uint32) ReceiveDataResponse {
	var resp ReceiveDataResponse
	if len(data) == 0 {
		return resp
	}
	resp.SentBytes = ParseReceiveDataHeader(data[0])
	resp.Data = data[1:]
	return resp
}

// Wait gives the clock to the adapter until it has something to say.
func (w *Wireless) Wait() (CommandResult, error) {
	if _, err := w.run(CmdWait); err != nil {
		return CommandResult{}, err
	}
	return w.receiveAdapterCommand(CmdWait)
}

func (w *Wireless) receiveAdapterCommand(cmd byte) (CommandResult, error) {
	remote := w.ReceiveCommandFromAdapter()
	if !remote.Success {
		return remote, w.fail(cmd, "adapter command")
	}
	if remote.CommandID == EventDisconnected {
		w.Reset()
		return remote, ErrUnexpectedEvent
	}
	return remote, nil
}

// DisconnectClient removes the clients whose bit is set in mask
// (bit 0 is client number 0).
func (w *Wireless) DisconnectClient(mask uint8) error {
	if _, err := w.run(CmdDisconnectClient, uint32(mask)); err != nil {
		return err
	}
	remaining := w.session.Clients[:0]
	for _, c := range w.session.Clients {
		if mask&(1<<c.ClientNumber) == 0 {
			remaining = append(remaining, c)
		}
	}
	w.session.Clients = remaining
	w.session.PlayerCount = 1 + len(remaining)
	return nil
}

// Bye ends the session without releasing the port.
func (w *Wireless) Bye() error {
	if _, err := w.run(CmdBye); err != nil {
		return err
	}
	w.state = Authenticated
	w.session = SessionState{PlayerCount: 1}
	return nil
}

// RestoreExistingConnection rebuilds the session state from the adapter
// after another program (usually a multiboot loader) left it serving or
// connected, skipping the login.
func (w *Wireless) RestoreExistingConnection() error {
	w.resetState()
	w.spi.Activate(spi.MasterFast, spi.Size32)
	w.state = Authenticated

	status, err := w.GetSystemStatus()
	if err != nil {
		return err
	}
	switch status.AdapterState {
	case Serving:
		w.state = Serving
		_, clients, err := w.GetSlotStatus()
		if err != nil {
			return err
		}
		w.session.Clients = clients
		w.session.PlayerCount = 1 + len(clients)
	case Connected:
		w.state = Connected
		w.session.CurrentPlayerID = status.CurrentPlayerID
		w.session.PlayerCount = 1 + status.CurrentPlayerID
	default:
		w.Reset()
		return ErrBadResponse
	}
	glog.V(1).Infof("restored %s session", w.state)
	return nil
}

func parseClient(word uint32) ConnectedClient {
	return ConnectedClient{DeviceID: uint16(word), ClientNumber: uint8(word >> 16)}
}
