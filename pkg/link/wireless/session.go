// Package wireless runs a continuous messaging session on top of the
// adapter protocol: packet sequencing, retransmission until
// confirmation, fan-out to every client and relaying between clients.
//
// Synchronous operations (Activate, Serve, Connect, ...) and interrupt
// routines are serialized by the session. Send and Receive never block:
// Send may be called from one producer goroutine and Receive from one
// consumer goroutine while the interrupt routines run. Relaying between
// clients happens inside the interrupt routines.
package wireless

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/queue"
	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
)

const (
	setupMaxTransmissions = 4
	setupWaitTimeout      = 32
	// serverSearchFrames is how long GetServers listens for broadcasts.
	serverSearchFrames = 60
)

type step int

const (
	stepAccept step = iota
	stepReceive
	stepSend
)

// Session is a wireless messaging session.
type Session struct {
	config Config
	port   hw.Port
	raw    *raw.Wireless

	// mu serializes interrupt routines and synchronous operations.
	mu sync.Mutex

	// mirrors published on unlock for the non-blocking paths
	state       atomic.Int32
	playerID    atomic.Int32
	playerCount atomic.Int32
	lastError   atomic.Int32

	// accepted is written by Send, released by the interrupt side once
	// a sent message is confirmed or dropped.
	accepted atomic.Uint64
	released atomic.Uint64


	outgoingNew *queue.Ring[Message]  // user to interrupts
	incoming    *queue.Ring[Message]  // interrupts to user
	outgoing    *queue.Queue[Message] // sent, waiting for confirmation
	forwards    *queue.Queue[Message] // received by a host, to relay

	next     step
	inFlight int

	lastPacketID     uint32
	lastReceived     [raw.MaxPlayers]uint32
	synced           [raw.MaxPlayers]bool
	lastConfirmation [raw.MaxPlayers]uint32
	// joinBase is the last packet id a player is not expected to receive,
	// announced in confirmations. A client starts accepting host packets
	// once it learned its base.
	joinBase [raw.MaxPlayers]uint32
	joined   bool

	frameTimeout      int
	remoteTimeouts    [raw.MaxPlayers]int
	receivedThisFrame bool
	receivedFrom      [raw.MaxPlayers]bool
}

// New creates a session on port. conf must be valid; see
// Config.NewSession.
func New(port hw.Port, conf Config) *Session {
	s := &Session{
		config:      conf,
		port:        port,
		raw:         raw.New(port),
		outgoingNew: queue.NewRing[Message](conf.QueueSize),
		incoming:    queue.NewRing[Message](conf.QueueSize),
		outgoing:    queue.New[Message](conf.QueueSize),
		forwards:    queue.New[Message](conf.QueueSize),
	}
	s.lock()
	s.resetSession()
	s.unlock()
	return s
}

// Install registers the interrupt routines of the session.
func (s *Session) Install(ic hw.InterruptController) {
	ic.Register(hw.IRQVBlank, s.OnVBlank)
	ic.Register(hw.IRQSerial, s.OnSerial)
	ic.Register(hw.IRQTimer, s.OnTimer)
}

// Config returns the session options.
func (s *Session) Config() Config {
	return s.config
}

// State returns the adapter state.
func (s *Session) State() raw.State {
	return raw.State(s.state.Load())
}

// IsSessionActive reports whether messages can flow.
func (s *Session) IsSessionActive() bool {
	return s.State().IsSessionActive()
}

// IsConnected reports whether the session has at least one remote.
func (s *Session) IsConnected() bool {
	return s.IsSessionActive() && s.PlayerCount() > 1
}

// PlayerCount returns the number of players including the host.
func (s *Session) PlayerCount() int {
	return int(s.playerCount.Load())
}

// CurrentPlayerID returns 0 on the host and 1..4 on clients.
func (s *Session) CurrentPlayerID() int {
	return int(s.playerID.Load())
}

// LastError returns the cause of the last failure, optionally clearing
// it.
func (s *Session) LastError(clear bool) Error {
	if clear {
		return Error(s.lastError.Swap(int32(NoError)))
	}
	return Error(s.lastError.Load())
}

// Activate resets the adapter and logs in.
func (s *Session) Activate() error {
	s.lock()
	defer s.unlock()
	s.lastError.Store(int32(NoError))
	s.resetSession()
	if err := s.raw.Activate(); err != nil {
		glog.Warningf("wireless: activate: %v", err)
		return s.setError(ErrCommandFailed)
	}
	return nil
}

// Deactivate ends any session and releases the port.
func (s *Session) Deactivate() error {
	s.lock()
	defer s.unlock()
	err := s.raw.Deactivate()
	s.resetSession()
	if err != nil {
		glog.Warningf("wireless: deactivate: %v", err)
		return s.setError(ErrCommandFailed)
	}
	return nil
}

// Serve starts hosting a room, or updates the broadcast data of the
// room already being served.
func (s *Session) Serve(gameName, userName string, gameID uint16) error {
	s.lock()
	defer s.unlock()
	state := s.raw.State()
	if state != raw.Authenticated && state != raw.Serving {
		return s.setError(ErrWrongState)
	}
	if err := s.checkIdle(); err != nil {
		return err
	}
	if len(gameName) > raw.MaxGameNameLength {
		return s.setError(ErrGameNameTooLong)
	}
	if len(userName) > raw.MaxUserNameLength {
		return s.setError(ErrUserNameTooLong)
	}
	gameID &= raw.MaxGameID

	if state == raw.Serving {
		if err := s.raw.Broadcast(gameName, userName, gameID); err != nil {
			return s.fail(ErrCommandFailed, err)
		}
		return nil
	}
	if err := s.raw.Setup(s.config.MaxPlayers, setupMaxTransmissions, setupWaitTimeout, raw.SetupMagic); err != nil {
		return s.fail(ErrCommandFailed, err)
	}
	if err := s.raw.Broadcast(gameName, userName, gameID); err != nil {
		return s.fail(ErrCommandFailed, err)
	}
	if err := s.raw.StartHost(); err != nil {
		return s.fail(ErrCommandFailed, err)
	}
	s.resetSession()
	glog.V(1).Infof("wireless: serving %q as %q", gameName, userName)
	return nil
}

// GetServers searches for hosts for about a second. onWait is called
// once per frame; returning true stops the search early with no result.
func (s *Session) GetServers(onWait func() bool) ([]raw.Server, error) {
	if err := s.GetServersAsyncStart(); err != nil {
		return nil, err
	}
	for i := 0; i < serverSearchFrames; i++ {
		hw.WaitLines(s.port, hw.LinesPerFrame)
		if onWait != nil && onWait() {
			_, err := s.GetServersAsyncEnd()
			return nil, err
		}
	}
	return s.GetServersAsyncEnd()
}

// GetServersAsyncStart starts searching for hosts and returns
// immediately.
func (s *Session) GetServersAsyncStart() error {
	s.lock()
	defer s.unlock()
	if s.raw.State() != raw.Authenticated {
		return s.setError(ErrWrongState)
	}
	if err := s.raw.BroadcastReadStart(); err != nil {
		return s.fail(ErrCommandFailed, err)
	}
	return nil
}

// GetServersAsyncEnd returns the hosts found since GetServersAsyncStart
// and stops searching.
func (s *Session) GetServersAsyncEnd() ([]raw.Server, error) {
	s.lock()
	defer s.unlock()
	if s.raw.State() != raw.Searching {
		return nil, s.setError(ErrWrongState)
	}
	servers, err := s.raw.BroadcastReadPoll()
	if err != nil {
		return nil, s.fail(ErrCommandFailed, err)
	}
	if err := s.raw.BroadcastReadEnd(); err != nil {
		return nil, s.fail(ErrCommandFailed, err)
	}
	return servers, nil
}

// Connect asks the host serverID to admit this console. Poll
// KeepConnecting until the state leaves Connecting.
func (s *Session) Connect(serverID uint16) error {
	s.lock()
	defer s.unlock()
	if s.raw.State() != raw.Authenticated {
		return s.setError(ErrWrongState)
	}
	if err := s.raw.Connect(serverID); err != nil {
		return s.fail(ErrCommandFailed, err)
	}
	return nil
}

// KeepConnecting advances a connection started with Connect.
func (s *Session) KeepConnecting() error {
	s.lock()
	defer s.unlock()
	if s.raw.State() != raw.Connecting {
		return s.setError(ErrWrongState)
	}
	phase, err := s.raw.KeepConnecting()
	switch {
	case err != nil || phase == raw.PhaseError:
		return s.fail(ErrConnectionFailed, err)
	case phase == raw.PhaseConnecting:
		return nil
	}
	if err := s.raw.FinishConnection(); err != nil {
		return s.fail(ErrConnectionFailed, err)
	}
	s.resetSession()
	return nil
}

// Send queues data for every other player. At most QueueSize messages
// may be queued or waiting for confirmation.
func (s *Session) Send(data uint16) error {
	if !s.IsSessionActive() {
		return s.setError(ErrWrongState)
	}
	if s.accepted.Load()-s.released.Load() >= uint64(s.config.QueueSize) {
		return s.setError(ErrBufferIsFull)
	}
	s.accepted.Add(1)
	if !s.outgoingNew.Push(Message{Data: data, PlayerID: s.CurrentPlayerID()}) {
		s.released.Add(1)
		return s.setError(ErrBufferIsFull)
	}
	return nil
}

// Receive drains the messages received so far.
func (s *Session) Receive() []Message {
	var msgs []Message
	for {
		msg, ok := s.incoming.Pop()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

// SignalLevel returns one level per client slot.
func (s *Session) SignalLevel() ([raw.MaxClients]uint8, error) {
	s.lock()
	defer s.unlock()
	if !s.raw.State().IsSessionActive() {
		return [raw.MaxClients]uint8{}, s.setError(ErrWrongState)
	}
	if err := s.checkIdle(); err != nil {
		return [raw.MaxClients]uint8{}, err
	}
	levels, err := s.raw.GetSignalLevel()
	if err != nil {
		return levels, s.fail(ErrCommandFailed, err)
	}
	return levels, nil
}

// Pending returns how many messages are waiting to be sent or confirmed.
func (s *Session) Pending() int {
	s.lock()
	defer s.unlock()
	return s.outgoingNew.Len() + s.outgoing.Len() + s.forwards.Len()
}

// Available returns how many received messages Receive would return.
func (s *Session) Available() int {
	return s.incoming.Len()
}

func (s *Session) lock() {
	s.mu.Lock()
}

func (s *Session) unlock() {
	s.state.Store(int32(s.raw.State()))
	s.playerID.Store(int32(s.raw.CurrentPlayerID()))
	s.playerCount.Store(int32(s.raw.PlayerCount()))
	s.mu.Unlock()
}

func (s *Session) setError(e Error) error {
	s.lastError.Store(int32(e))
	return e
}

func (s *Session) checkIdle() error {
	if s.raw.IsBusy() {
		return s.setError(ErrBusyTryAgain)
	}
	return nil
}

// fail resets everything and latches e.
func (s *Session) fail(e Error, cause error) error {
	if cause != nil {
		glog.Warningf("wireless: %v: %v", e, cause)
	} else {
		glog.Warningf("wireless: %v", e)
	}
	s.raw.Reset()
	s.resetSession()
	return s.setError(e)
}

// resetSession clears the queues and every sequencing and timeout
// counter. The holder of mu acts as the interrupt side of both rings.
func (s *Session) resetSession() {
	s.released.Add(uint64(s.outgoingNew.Clear()))
	s.incoming.Discard()
	s.outgoing.ForEach(func(msg Message) bool {
		s.release(msg)
		return true
	})
	s.outgoing.Clear()
	s.forwards.Clear()
	s.next, s.inFlight = stepAccept, 0
	s.lastPacketID = 0
	s.lastReceived = [raw.MaxPlayers]uint32{}
	s.synced = [raw.MaxPlayers]bool{}
	s.lastConfirmation = [raw.MaxPlayers]uint32{}
	s.joinBase = [raw.MaxPlayers]uint32{}
	s.joined = false
	s.frameTimeout = 0
	s.remoteTimeouts = [raw.MaxPlayers]int{}
	s.receivedThisFrame = false
	s.receivedFrom = [raw.MaxPlayers]bool{}
}

// release frees the Send capacity taken by msg, which left the outgoing
// queue.
func (s *Session) release(msg Message) {
	if !msg.forwarded {
		s.released.Add(1)
	}
}
