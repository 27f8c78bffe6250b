package sim

import (
	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/opensdk"
	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
)

type adapterMode int

const (
	modeOff adapterMode = iota
	modeLogin
	modeCommand
)

type commandPhase int

const (
	phaseIdle commandPhase = iota
	phaseParams
	phaseResponseHeader
	phaseResponses
)

type ackKind int

const (
	ackNone ackKind = iota
	ackNormal
	ackReverse
)

type role int

const (
	roleIdle role = iota
	roleHost
	roleSearching
	roleConnecting
	roleClient
)

// link is one admitted or waiting client of a host.
type link struct {
	deviceID uint16
	number   uint8
	adapter  *Adapter
	peer     Peer
}

// Adapter emulates one wireless adapter. Every method is safe to call
// while consoles run on other goroutines.
type Adapter struct {
	air     *Air
	id      uint16
	present bool

	mode        adapterMode
	loginStep   int
	prevConsole uint16

	phase     commandPhase
	cmd       byte
	expected  int
	params    []uint32
	responses []uint32
	sent      int
	ack       ackKind

	invertPending bool
	inverted      bool
	outgoing      []uint32
	outSent       int

	badHeaders int
	handlers   map[byte]func(params []uint32) []uint32
	commands   []byte

	role      role
	setup     uint32
	broadcast []uint32
	closed    bool
	clients   [raw.MaxClients]*link
	waiting   []*link

	host         *Adapter
	clientNumber uint8
	accepted     bool
	rejected     bool

	inbox [raw.MaxPlayers][]byte
}

// ID returns the device id.
func (a *Adapter) ID() uint16 {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	return a.id
}

// Unplug makes the adapter stop answering.
func (a *Adapter) Unplug() {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	a.present = false
	a.leave()
	a.mode = modeOff
}

// Plug makes the adapter answer again after the next reset.
func (a *Adapter) Plug() {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	a.present = true
}

// CorruptResponseHeaders makes the next n response headers carry a
// wrong acknowledge byte.
func (a *Adapter) CorruptResponseHeaders(n int) {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	a.badHeaders = n
}

// Handle overrides the responses to cmd.
func (a *Adapter) Handle(cmd byte, fn func(params []uint32) []uint32) {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	if a.handlers == nil {
		a.handlers = make(map[byte]func([]uint32) []uint32)
	}
	a.handlers[cmd] = fn
}

// Commands returns every command executed since the last reset.
func (a *Adapter) Commands() []byte {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	return append([]byte(nil), a.commands...)
}

// LoggedIn reports whether the login handshake completed.
func (a *Adapter) LoggedIn() bool {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	return a.mode == modeCommand
}

// si is the level of the console's SI line given its SO level.
// While an acknowledge is pending the adapter mirrors SO inverted.
func (a *Adapter) si(so bool) bool {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	if !a.present || a.ack == ackNone {
		return false
	}
	return !so
}

func (a *Adapter) onSO(so bool) {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	if a.ack != ackNormal || !so {
		return
	}
	a.ack = ackNone
	if a.invertPending {
		a.invertPending = false
		a.inverted = true
		a.outSent = 0
	}
}

func (a *Adapter) reset() {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	if !a.present {
		return
	}
	a.leave()
	a.mode = modeLogin
	a.loginStep = 0
	a.prevConsole = 0xffff
	a.commands = nil
	glog.V(3).Infof("sim %04x: reset", a.id)
}

// exchangeAsSlave answers a word clocked by the console.
func (a *Adapter) exchangeAsSlave(word uint32) (uint32, bool) {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	if !a.present {
		return 0, false
	}
	switch a.mode {
	case modeLogin:
		return a.loginExchange(word), true
	case modeCommand:
		a.ack = ackNone
		if a.phase == phaseIdle {
			a.inverted, a.invertPending = false, false
		}
		reply := a.commandExchange(word)
		a.ack = ackNormal
		return reply, true
	}
	return 0, false
}

// exchangeAsMaster clocks a word while the adapter owns the clock.
func (a *Adapter) exchangeAsMaster(word uint32) (uint32, bool) {
	a.air.mu.Lock()
	defer a.air.mu.Unlock()
	if !a.present || a.mode != modeCommand || !a.inverted {
		return 0, false
	}
	a.ack = ackReverse
	if a.outSent < len(a.outgoing) {
		reply := a.outgoing[a.outSent]
		a.outSent++
		return reply, true
	}
	// the console acknowledges the adapter command
	a.inverted = false
	return raw.DataRequest, true
}

func (a *Adapter) loginExchange(word uint32) uint32 {
	var high uint16
	if a.loginStep > 0 {
		high = raw.LoginParts[a.loginStep-1]
	}
	reply := uint32(high)<<16 | uint32(^a.prevConsole)
	a.prevConsole = uint16(word)
	a.loginStep++
	if a.loginStep == len(raw.LoginParts)+1 {
		a.mode = modeCommand
		a.phase = phaseIdle
		glog.V(3).Infof("sim %04x: logged in", a.id)
	}
	return reply
}

func (a *Adapter) commandExchange(word uint32) uint32 {
	switch a.phase {
	case phaseIdle:
		magic, params, cmd := raw.ParseHeader(word)
		if magic != raw.CommandHeader {
			return 0
		}
		a.cmd, a.expected, a.params = cmd, params, nil
		if params == 0 {
			a.execute()
		} else {
			a.phase = phaseParams
		}
		return raw.DataRequest
	case phaseParams:
		a.params = append(a.params, word)
		if len(a.params) == a.expected {
			a.execute()
		}
		return raw.DataRequest
	case phaseResponseHeader:
		header := raw.BuildResponse(a.cmd, len(a.responses))
		if a.badHeaders > 0 {
			a.badHeaders--
			header ^= 1
		}
		if len(a.responses) == 0 {
			a.phase = phaseIdle
		} else {
			a.phase, a.sent = phaseResponses, 0
		}
		return header
	case phaseResponses:
		reply := a.responses[a.sent]
		a.sent++
		if a.sent == len(a.responses) {
			a.phase = phaseIdle
		}
		return reply
	}
	return 0
}

func (a *Adapter) execute() {
	a.phase = phaseResponseHeader
	a.commands = append(a.commands, a.cmd)
	if fn, ok := a.handlers[a.cmd]; ok {
		a.responses = fn(append([]uint32(nil), a.params...))
		return
	}
	a.responses = a.run(a.cmd, a.params)
}

func (a *Adapter) run(cmd byte, params []uint32) []uint32 {
	switch cmd {
	case raw.CmdVersionStatus:
		return []uint32{0x00830117}
	case raw.CmdSystemStatus:
		return []uint32{a.systemStatus()}
	case raw.CmdSlotStatus:
		return append([]uint32{uint32(a.nextClientNumber())}, a.clientWords()...)
	case raw.CmdSignalLevel:
		return []uint32{a.signalLevels()}
	case raw.CmdSetup:
		if len(params) > 0 {
			a.setup = params[0]
		}
	case raw.CmdBroadcast:
		a.broadcast = append([]uint32(nil), params...)
	case raw.CmdStartHost:
		a.leave()
		a.role, a.closed = roleHost, false
	case raw.CmdAcceptConnections:
		a.admit()
		return a.clientWords()
	case raw.CmdEndHost:
		a.admit()
		a.closed = true
		return a.clientWords()
	case raw.CmdBroadcastReadStart:
		a.leave()
		a.role = roleSearching
	case raw.CmdBroadcastReadPoll:
		return a.air.serverWords(a)
	case raw.CmdBroadcastReadEnd:
		a.role = roleIdle
	case raw.CmdConnect:
		a.connect(params)
	case raw.CmdIsFinishedConnect:
		switch {
		case a.rejected || a.host == nil:
			return []uint32{0xff << 16}
		case !a.accepted:
			return []uint32{raw.StillConnecting}
		}
		return []uint32{uint32(a.id) | uint32(a.clientNumber)<<16}
	case raw.CmdFinishConnection:
		if a.accepted {
			a.role = roleClient
		}
		return []uint32{uint32(a.id) | uint32(a.clientNumber)<<16}
	case raw.CmdSendData:
		a.deliver(params)
	case raw.CmdSendDataAndWait:
		a.deliver(params)
		a.scheduleEvent()
	case raw.CmdReceiveData:
		return a.drainInbox()
	case raw.CmdWait:
		a.scheduleEvent()
	case raw.CmdDisconnectClient:
		if len(params) > 0 {
			a.disconnect(uint8(params[0]))
		}
	case raw.CmdBye:
		a.leave()
	}
	return nil
}

func (a *Adapter) maxClients() int {
	if a.setup == 0 {
		return raw.MaxClients
	}
	return raw.MaxClients - int(a.setup>>16)&0b11
}

func (a *Adapter) nextClientNumber() uint8 {
	for i := 0; i < a.maxClients(); i++ {
		if a.clients[i] == nil {
			return uint8(i)
		}
	}
	return 0xff
}

func (a *Adapter) clientWords() []uint32 {
	var words []uint32
	for _, c := range a.clients {
		if c != nil {
			words = append(words, uint32(c.deviceID)|uint32(c.number)<<16)
		}
	}
	return words
}

func (a *Adapter) signalLevels() uint32 {
	var levels uint32
	switch a.role {
	case roleHost:
		for i, c := range a.clients {
			if c != nil {
				levels |= 0xff << (8 * uint(i))
			}
		}
	case roleClient:
		if a.host != nil {
			levels = 0xff << (8 * uint(a.clientNumber))
		}
	}
	return levels
}

func (a *Adapter) systemStatus() uint32 {
	word := uint32(a.id)
	var state uint32
	switch a.role {
	case roleHost:
		state = 2
		if a.closed {
			state = 1
		}
	case roleSearching:
		state = 3
	case roleConnecting:
		state = 4
	case roleClient:
		state = 5
		word |= 1 << (16 + uint(a.clientNumber))
	}
	return word | state<<24
}

func (a *Adapter) admit() {
	for _, w := range a.waiting {
		number := a.nextClientNumber()
		if number == 0xff {
			if w.adapter != nil {
				w.adapter.rejected = true
			}
			continue
		}
		w.number = number
		a.clients[number] = w
		if w.adapter != nil {
			w.adapter.accepted = true
			w.adapter.clientNumber = number
		}
		glog.V(3).Infof("sim %04x: admitted %04x as client %d", a.id, w.deviceID, number)
	}
	a.waiting = nil
}

func (a *Adapter) connect(params []uint32) {
	a.leave()
	a.role = roleConnecting
	if len(params) == 0 {
		return
	}
	host := a.air.findHost(uint16(params[0]))
	if host == nil {
		a.rejected = true
		return
	}
	a.host = host
	host.waiting = append(host.waiting, &link{deviceID: a.id, adapter: a})
}

func (a *Adapter) disconnect(mask uint8) {
	for i, c := range a.clients {
		if c == nil || mask&(1<<uint(i)) == 0 {
			continue
		}
		if c.adapter != nil {
			c.adapter.host = nil
		}
		a.clients[i] = nil
		a.inbox[i+1] = nil
	}
}

// leave drops every radio relation of the adapter.
func (a *Adapter) leave() {
	switch {
	case a.role == roleHost:
		for i, c := range a.clients {
			if c != nil && c.adapter != nil {
				c.adapter.host = nil
			}
			a.clients[i] = nil
		}
		for _, w := range a.waiting {
			if w.adapter != nil {
				w.adapter.rejected = true
			}
		}
		a.waiting = nil
	case a.host != nil:
		h := a.host
		for i, c := range h.clients {
			if c != nil && c.adapter == a {
				h.clients[i] = nil
				h.inbox[i+1] = nil
			}
		}
		for i, w := range h.waiting {
			if w.adapter == a {
				h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
				break
			}
		}
	}
	a.role, a.closed = roleIdle, false
	a.host, a.accepted, a.rejected, a.clientNumber = nil, false, false, 0
	a.inbox = [raw.MaxPlayers][]byte{}
	a.inverted, a.invertPending = false, false
}

// deliver routes SendData parameters. The newest packet replaces any
// undelivered one in the same slot.
func (a *Adapter) deliver(params []uint32) {
	if len(params) == 0 {
		return
	}
	header, data := params[0], opensdk.WordsToBytes(params[1:])
	switch a.role {
	case roleHost:
		payload := clip(data, int(header&0x7f))
		for _, c := range a.clients {
			if c == nil {
				continue
			}
			if c.adapter != nil {
				c.adapter.inbox[0] = payload
			}
			if c.peer != nil {
				if reply := c.peer.Receive(c.number, payload); reply != nil {
					a.inbox[c.number+1] = reply
				}
			}
		}
	case roleClient:
		if a.host == nil {
			return
		}
		playerID := uint(a.clientNumber) + 1
		a.host.inbox[playerID] = clip(data, int(header>>(3+5*playerID))&0x1f)
	}
}

func clip(b []byte, n int) []byte {
	if n > len(b) {
		n = len(b)
	}
	return append([]byte(nil), b[:n]...)
}

// drainInbox builds the ReceiveData response and empties the inbox.
func (a *Adapter) drainInbox() []uint32 {
	var header uint32
	var data []byte
	for i, b := range a.inbox {
		if len(b) == 0 {
			continue
		}
		if i == 0 {
			header |= uint32(len(b))
		} else {
			header |= uint32(len(b)) << (3 + 5*uint(i))
		}
		data = append(data, b...)
	}
	a.inbox = [raw.MaxPlayers][]byte{}
	if len(data) == 0 {
		return nil
	}
	return append([]uint32{header}, opensdk.BytesToWords(data)...)
}

// scheduleEvent prepares the command the adapter sends once it owns the
// clock.
func (a *Adapter) scheduleEvent() {
	event := raw.EventWaitTimeout
	switch {
	case a.role == roleClient && a.host == nil:
		event = raw.EventDisconnected
	case a.hasData():
		event = raw.EventDataAvailable
	}
	a.outgoing = []uint32{raw.BuildCommand(event, 0)}
	a.invertPending = true
}

func (a *Adapter) hasData() bool {
	for _, b := range a.inbox {
		if len(b) > 0 {
			return true
		}
	}
	return false
}
