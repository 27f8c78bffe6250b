package raw

import (
	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/spi"
)

// CommandResult is the outcome of one command exchange.
type CommandResult struct {
	Success   bool
	CommandID byte
	Data      []uint32
}

// ConnectedClient is a client admitted by the host.
type ConnectedClient struct {
	DeviceID     uint16
	ClientNumber uint8
}

// PlayerID returns the player slot of the client.
func (c ConnectedClient) PlayerID() int {
	return 1 + int(c.ClientNumber)
}

// SessionState is what the driver knows about the current session.
type SessionState struct {
	PlayerCount     int
	CurrentPlayerID int
	Clients         []ConnectedClient
}

// Wireless speaks the adapter protocol over a serial channel.
type Wireless struct {
	port hw.Port
	spi  *spi.SPI
	gpio *spi.GPIO

	state   State
	session SessionState
	async   AsyncCommand
}

// New creates a driver on port. The adapter is not touched until Activate.
func New(port hw.Port) *Wireless {
	w := &Wireless{
		port: port,
		spi:  spi.New(port),
		gpio: spi.NewGPIO(port),
	}
	w.resetState()
	return w
}

// State returns the current state.
func (w *Wireless) State() State {
	return w.state
}

// Session returns a copy of the session state.
func (w *Wireless) Session() SessionState {
	s := w.session
	s.Clients = append([]ConnectedClient(nil), w.session.Clients...)
	return s
}

// PlayerCount returns the number of players including the host.
func (w *Wireless) PlayerCount() int {
	return w.session.PlayerCount
}

// CurrentPlayerID returns 0 on the host and the assigned slot on clients.
func (w *Wireless) CurrentPlayerID() int {
	return w.session.CurrentPlayerID
}

// SetPlayerCount records the player count a client learned from the
// host's messages.
func (w *Wireless) SetPlayerCount(n int) {
	if n > w.session.CurrentPlayerID && n <= MaxPlayers {
		w.session.PlayerCount = n
	}
}

// IsActive reports whether the serial channel is owned by the driver.
func (w *Wireless) IsActive() bool {
	return w.spi.IsActive()
}

// Activate resets the adapter and runs the login handshake. On success
// the state is Authenticated.
func (w *Wireless) Activate() error {
	w.resetState()
	w.pingAdapter()
	w.spi.Activate(spi.MasterSlow, spi.Size32)

	if !w.login() {
		w.Reset()
		return ErrNotDetected
	}
	if res := w.SendCommand(CmdHello, nil); !res.Success {
		w.Reset()
		return &CommandError{Cmd: CmdHello, Stage: "hello"}
	}
	w.spi.Activate(spi.MasterFast, spi.Size32)
	w.state = Authenticated
	glog.V(1).Info("wireless adapter authenticated")
	return nil
}

// Deactivate says goodbye to the adapter and releases the port.
func (w *Wireless) Deactivate() error {
	var err error
	if w.state != NeedsReset {
		if res := w.SendCommand(CmdBye, nil); !res.Success {
			err = &CommandError{Cmd: CmdBye, Stage: "bye"}
		}
	}
	w.resetState()
	w.spi.Deactivate()
	return err
}

// Reset drops every piece of session state. The next operation must be
// Activate.
func (w *Wireless) Reset() {
	if w.state != NeedsReset {
		glog.V(1).Infof("wireless adapter reset from %s", w.state)
	}
	w.resetState()
}

func (w *Wireless) resetState() {
	w.state = NeedsReset
	w.session = SessionState{PlayerCount: 1}
	w.async = AsyncCommand{}
}

// pingAdapter pulses SD, which makes the adapter restart its login.
func (w *Wireless) pingAdapter() {
	w.gpio.Reset()
	w.gpio.SetMode(spi.PinSO, spi.Output)
	w.gpio.SetMode(spi.PinSD, spi.Output)
	w.gpio.WritePin(spi.PinSD, true)
	hw.WaitLines(w.port, PingWaitLines)
	w.gpio.WritePin(spi.PinSD, false)
}

type loginMemory struct {
	previousConsoleData uint16
	previousAdapterData uint16
}

func (w *Wireless) login() bool {
	memory := loginMemory{previousConsoleData: 0xffff, previousAdapterData: 0xffff}
	if !w.exchangeLoginPacket(LoginParts[0], 0, &memory) {
		return false
	}
	for _, part := range LoginParts {
		if !w.exchangeLoginPacket(part, part, &memory) {
			return false
		}
	}
	return true
}

func (w *Wireless) exchangeLoginPacket(data, expected uint16, memory *loginMemory) bool {
	packet := uint32(^memory.previousAdapterData)<<16 | uint32(data)
	response := w.transfer(packet, false)
	if uint16(response>>16) != expected || uint16(response) != ^memory.previousConsoleData {
		glog.V(2).Infof("login mismatch: sent %08x got %08x", packet, response)
		return false
	}
	memory.previousConsoleData = data
	memory.previousAdapterData = expected
	return true
}

// SendCommand runs a full command exchange and blocks until it finishes.
// The adapter answers a command with its responses; a failed exchange
// leaves Success false and Data empty.
func (w *Wireless) SendCommand(cmd byte, params []uint32) CommandResult {
	res, stage := w.sendCommand(cmd, params)
	if !res.Success {
		glog.V(2).Infof("command 0x%02x failed at %s", cmd, stage)
	}
	return res
}

func (w *Wireless) sendCommand(cmd byte, params []uint32) (res CommandResult, stage string) {
	if len(params) > MaxCommandTransferLength {
		return res, "too many parameters"
	}
	glog.V(3).Infof(">> 0x%02x %08x", cmd, params)

	if w.transfer(BuildCommand(cmd, len(params)), true) != DataRequest {
		return res, "header"
	}
	for _, param := range params {
		if w.transfer(param, true) != DataRequest {
			return res, "parameters"
		}
	}
	magic, responses, ack := ParseHeader(w.transfer(DataRequest, true))
	if magic != CommandHeader || ack != cmd+ResponseAck || responses > MaxCommandResponseLength {
		return res, "response header"
	}
	data := make([]uint32, responses)
	for i := range data {
		data[i] = w.transfer(DataRequest, true)
	}

	glog.V(3).Infof("<< 0x%02x %08x", cmd, data)
	return CommandResult{Success: true, CommandID: cmd, Data: data}, ""
}

// ReceiveCommandFromAdapter must follow a command that inverts the clock
// (Wait, SendDataAndWait). The console becomes the slave, receives the
// adapter's command and acknowledges it, then takes the clock back.
func (w *Wireless) ReceiveCommandFromAdapter() CommandResult {
	var res CommandResult
	w.spi.Activate(spi.Slave, spi.Size32)
	defer w.spi.Activate(spi.MasterFast, spi.Size32)

	magic, params, cmd := ParseHeader(w.transferReverse(DataRequest, AdapterCommandTimeoutLines))
	if magic != CommandHeader || params > MaxCommandResponseLength {
		glog.V(2).Info("adapter command: bad header")
		return res
	}
	data := make([]uint32, params)
	for i := range data {
		data[i] = w.transferReverse(DataRequest, CommandTimeoutLines)
	}
	if w.transferReverse(BuildResponse(cmd, 0), CommandTimeoutLines) == spi.NoData32 {
		glog.V(2).Info("adapter command: no ack")
		return res
	}

	glog.V(3).Infof("<< adapter 0x%02x %08x", cmd, data)
	return CommandResult{Success: true, CommandID: cmd, Data: data}
}

// transfer exchanges one word as the master. With customAck, the line
// acknowledge follows the transfer; without it the wait mode handshake
// of the serial channel is used instead.
func (w *Wireless) transfer(data uint32, customAck bool) uint32 {
	timer := hw.NewLineTimer(w.port, CommandTimeoutLines)
	var received uint32
	if customAck {
		received = w.spi.TransferCustomAck(data, timer.Expired)
	} else {
		w.spi.SetWaitModeActive(true)
		received = w.spi.Transfer(data, timer.Expired)
		w.spi.SetWaitModeActive(false)
	}
	if customAck && !w.acknowledge() {
		return spi.NoData32
	}
	return received
}

// transferReverse exchanges one word as the slave, then acknowledges in
// reverse.
func (w *Wireless) transferReverse(data uint32, timeoutLines int) uint32 {
	timer := hw.NewLineTimer(w.port, timeoutLines)
	received := w.spi.TransferCustomAck(data, timer.Expired)
	if received == spi.NoData32 && timer.Expired() {
		return spi.NoData32
	}
	if !w.reverseAcknowledge() {
		return spi.NoData32
	}
	return received
}

// acknowledge: SO low, wait for SI high; SO high, wait for SI low; SO low.
func (w *Wireless) acknowledge() bool {
	timer := hw.NewLineTimer(w.port, CommandTimeoutLines)
	w.spi.SetSOLow()
	for !w.spi.IsSIHigh() {
		if timer.Expired() {
			return false
		}
	}
	w.spi.SetSOHigh()
	for w.spi.IsSIHigh() {
		if timer.Expired() {
			return false
		}
	}
	w.spi.SetSOLow()
	return true
}

// reverseAcknowledge: SO high, wait for SI low; SO low, wait for SI high.
func (w *Wireless) reverseAcknowledge() bool {
	timer := hw.NewLineTimer(w.port, CommandTimeoutLines)
	w.spi.SetSOHigh()
	for w.spi.IsSIHigh() {
		if timer.Expired() {
			return false
		}
	}
	w.spi.SetSOLow()
	for !w.spi.IsSIHigh() {
		if timer.Expired() {
			return false
		}
	}
	return true
}

// fail resets the driver and returns a CommandError.
func (w *Wireless) fail(cmd byte, stage string) error {
	w.Reset()
	return &CommandError{Cmd: cmd, Stage: stage}
}

func (w *Wireless) run(cmd byte, params ...uint32) (CommandResult, error) {
	res, stage := w.sendCommand(cmd, params)
	if !res.Success {
		glog.V(2).Infof("command 0x%02x failed at %s", cmd, stage)
		return res, w.fail(cmd, stage)
	}
	return res, nil
}
