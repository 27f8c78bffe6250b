// Package multiboot pushes a ROM image through the wireless adapter to
// consoles booting without a cartridge.
//
// The transfer runs synchronously on the raw adapter protocol, without
// interrupts: activate and host, wait for clients, handshake with each
// of them, announce the ROM, send it in acknowledged chunks and confirm
// the end twice.
package multiboot

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/opensdk"
	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
)

// ROM size limits. The minimum is the cartridge header plus the
// multiboot entry code.
const (
	MinRomSize = 0x100 + 0xc0
	MaxRomSize = 256 * 1024
)

// SetupMagic marks a host as a multiboot server.
const SetupMagic = raw.SetupMagic | 1<<22

const (
	setupMaxTransmissions = 2
	setupWaitTimeout      = 32

	// gameIDMultibootFlag advertises the room as a multiboot source.
	gameIDMultibootFlag uint16 = 1 << 15
)

// StartCommand is the payload announcing the ROM transfer.
var StartCommand = []byte{0x54, 0x02}

// Result is the outcome of SendRom.
type Result int

// Results.
const (
	Success Result = iota
	InvalidSize
	InvalidPlayers
	Canceled
	AdapterNotDetected
	BadHandshake
	ClientDisconnected
	Failure
)

var resultNames = [...]string{
	Success:            "success",
	InvalidSize:        "invalid size",
	InvalidPlayers:     "invalid players",
	Canceled:           "canceled",
	AdapterNotDetected: "adapter not detected",
	BadHandshake:       "bad handshake",
	ClientDisconnected: "client disconnected",
	Failure:            "failure",
}

// String returns the result name, or its number if unknown.
func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("result(%d)", int(r))
	}
	return resultNames[r]
}

// Error is returned with every Result except Success.
type Error struct {
	Result Result
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "multiboot: " + e.Result.String()
	}
	return fmt.Sprintf("multiboot: %s: %v", e.Result, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// State is the stage of a transfer.
type State int

// States.
const (
	Stopped State = iota
	Initializing
	Waiting
	PreparingSend
	Sending
	Confirming
)

// Progress is reported to the listener before every exchange.
type Progress struct {
	State            State
	ConnectedClients int
	Percentage       int
}

// Listener observes the progress of SendRom. Returning true cancels
// the transfer.
type Listener func(Progress) bool

// Stats counts the exchanges of the last transfer.
type Stats struct {
	Transfers int
	Retries   int
}

// Sender transfers ROMs through an adapter.
type Sender struct {
	port hw.Port
	raw  *raw.Wireless

	ctx      context.Context
	listener Listener
	progress Progress
	stats    Stats
}

// New creates a sender on port.
func New(port hw.Port) *Sender {
	return &Sender{port: port, raw: raw.New(port)}
}

// Progress returns the last reported progress.
func (s *Sender) Progress() Progress {
	return s.progress
}

// Stats returns the counters of the last transfer.
func (s *Sender) Stats() Stats {
	return s.stats
}

// SendRom hosts a room and sends rom to players-1 clients. listener may
// be nil. The adapter is deactivated when the transfer ends.
func (s *Sender) SendRom(ctx context.Context, rom []byte, gameName, userName string, gameID uint16, players int, listener Listener) (Result, error) {
	if len(rom) < MinRomSize || len(rom) > MaxRomSize {
		return fatal(InvalidSize, fmt.Errorf("%d bytes", len(rom)))
	}
	if players < 2 || players > raw.MaxPlayers {
		return fatal(InvalidPlayers, fmt.Errorf("%d players", players))
	}
	s.ctx, s.listener = ctx, listener
	s.progress = Progress{State: Initializing}
	s.stats = Stats{}
	defer func() { s.progress.State = Stopped }()

	if err := s.raw.Activate(); err != nil {
		return fatal(AdapterNotDetected, err)
	}
	defer func() {
		if err := s.raw.Deactivate(); err != nil {
			glog.Warningf("multiboot: deactivate: %v", err)
		}
	}()

	if err := s.host(gameName, userName, gameID, players); err != nil {
		return fatal(Failure, err)
	}
	clients, err := s.waitForClients(players - 1)
	if err != nil {
		return s.failed(err)
	}
	s.progress.State = PreparingSend
	for _, client := range clients {
		if err := s.handshake(client); err != nil {
			return s.failed(err)
		}
	}
	if err := s.start(clients); err != nil {
		return s.failed(err)
	}
	if err := s.sendChunks(rom, clients); err != nil {
		return s.failed(err)
	}
	if err := s.confirm(clients); err != nil {
		return s.failed(err)
	}
	glog.Infof("multiboot: sent %d bytes to %d clients, %d retries", len(rom), len(clients), s.stats.Retries)
	return Success, nil
}

func (s *Sender) host(gameName, userName string, gameID uint16, players int) error {
	if err := s.raw.Setup(players, setupMaxTransmissions, setupWaitTimeout, SetupMagic); err != nil {
		return err
	}
	if err := s.raw.Broadcast(gameName, userName, gameID&raw.MaxGameID|gameIDMultibootFlag); err != nil {
		return err
	}
	s.progress.State = Waiting
	return s.raw.StartHost()
}

func (s *Sender) waitForClients(n int) ([]raw.ConnectedClient, error) {
	for {
		if err := s.checkCanceled(); err != nil {
			return nil, err
		}
		clients, err := s.raw.PollConnections()
		if err != nil {
			return nil, &Error{Result: Failure, Err: err}
		}
		if len(clients) != s.progress.ConnectedClients {
			glog.V(1).Infof("multiboot: %d/%d clients connected", len(clients), n)
		}
		s.progress.ConnectedClients = len(clients)
		if len(clients) >= n {
			return clients[:n], nil
		}
		hw.WaitLines(s.port, hw.LinesPerFrame)
	}
}

// handshake echoes the client's header until it counts down to off.
func (s *Sender) handshake(client raw.ConnectedClient) error {
	var last opensdk.ClientHeader
	for {
		if err := s.checkCanceled(); err != nil {
			return err
		}
		packets, err := s.sendAndExpectData(opensdk.CreateServerACKBuffer(last, client.ClientNumber))
		if err != nil {
			return err
		}
		pkt, ok := find(packets, client.ClientNumber)
		if !ok {
			s.stats.Retries++
			continue
		}
		h := pkt.Header
		if h.IsACK || h.N != 0 || h.Phase != 0 || h.CommState > opensdk.CommCommunicating {
			return &Error{Result: BadHandshake, Err: fmt.Errorf("client %d sent %+v", client.ClientNumber, h)}
		}
		if h.CommState == opensdk.CommOff {
			glog.V(1).Infof("multiboot: client %d ready", client.ClientNumber)
			return nil
		}
		last = h
	}
}

func (s *Sender) start(clients []raw.ConnectedClient) error {
	header := opensdk.ServerHeader{N: 1, CommState: opensdk.CommStarting}
	return s.exchange(header, StartCommand, clients, echoes(header))
}

func (s *Sender) sendChunks(rom []byte, clients []raw.ConnectedClient) error {
	s.progress.State = Sending
	seq := opensdk.SequenceNumber{N: 1, Phase: 1}
	for offset := 0; offset < len(rom); offset += opensdk.MaxServerPayload {
		s.progress.Percentage = offset * 100 / len(rom)
		end := offset + opensdk.MaxServerPayload
		if end > len(rom) {
			end = len(rom)
		}
		header := opensdk.ServerHeader{N: seq.N, Phase: seq.Phase, CommState: opensdk.CommCommunicating}
		if err := s.exchange(header, rom[offset:end], clients, echoes(header)); err != nil {
			return err
		}
		seq.Inc()
	}
	s.progress.Percentage = 100
	return nil
}

// confirm sends the two end markers. Any answer to the second one is
// accepted.
func (s *Sender) confirm(clients []raw.ConnectedClient) error {
	s.progress.State = Confirming
	ending := opensdk.ServerHeader{CommState: opensdk.CommEnding}
	if err := s.exchange(ending, nil, clients, echoes(ending)); err != nil {
		return err
	}
	off := opensdk.ServerHeader{N: 1, CommState: opensdk.CommOff}
	return s.exchange(off, nil, clients, func(opensdk.ClientHeader) bool { return true })
}

// exchange resends the same packet until every client answers with a
// header accepted by match.
func (s *Sender) exchange(header opensdk.ServerHeader, payload []byte, clients []raw.ConnectedClient, match func(opensdk.ClientHeader) bool) error {
	for _, client := range clients {
		header.TargetSlots |= 1 << client.ClientNumber
	}
	buf, err := opensdk.CreateServerBuffer(header, payload)
	if err != nil {
		return &Error{Result: Failure, Err: err}
	}
	for {
		if err := s.checkCanceled(); err != nil {
			return err
		}
		packets, err := s.sendAndExpectData(buf)
		if err != nil {
			return err
		}
		if allMatch(packets, clients, match) {
			return nil
		}
		s.stats.Retries++
		glog.V(3).Infof("multiboot: resending %+v", header)
	}
}

// sendAndExpectData sends buf and reads the answers. Anything but a
// data event is a transport failure.
func (s *Sender) sendAndExpectData(buf opensdk.SendBuffer) ([]opensdk.ClientPacket, error) {
	s.stats.Transfers++
	res, err := s.raw.SendDataAndWait(buf.Data, buf.TotalBytes)
	switch {
	case errors.Is(err, raw.ErrUnexpectedEvent):
		return nil, &Error{Result: ClientDisconnected, Err: err}
	case err != nil:
		return nil, &Error{Result: Failure, Err: err}
	case res.CommandID != raw.EventDataAvailable:
		return nil, &Error{Result: Failure, Err: fmt.Errorf("adapter event 0x%02x", res.CommandID)}
	}
	resp, err := s.raw.ReceiveData()
	if err != nil {
		return nil, &Error{Result: Failure, Err: err}
	}
	return opensdk.ParseClientPackets(resp), nil
}

func (s *Sender) checkCanceled() error {
	if err := s.ctx.Err(); err != nil {
		return &Error{Result: Canceled, Err: err}
	}
	if s.listener != nil && s.listener(s.progress) {
		return &Error{Result: Canceled}
	}
	return nil
}

func (s *Sender) failed(err error) (Result, error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Result: Failure, Err: err}
	}
	glog.Warningf("%v", e)
	return e.Result, e
}

func fatal(r Result, err error) (Result, error) {
	e := &Error{Result: r, Err: err}
	glog.Warningf("%v", e)
	return r, e
}

// echoes matches an acknowledgment repeating the tag and state of h.
func echoes(h opensdk.ServerHeader) func(opensdk.ClientHeader) bool {
	return func(c opensdk.ClientHeader) bool {
		return c.IsACK && c.N == h.N && c.Phase == h.Phase && c.CommState == h.CommState
	}
}

func find(packets []opensdk.ClientPacket, clientNumber uint8) (opensdk.ClientPacket, bool) {
	for _, pkt := range packets {
		if pkt.ClientNumber == clientNumber {
			return pkt, true
		}
	}
	return opensdk.ClientPacket{}, false
}

func allMatch(packets []opensdk.ClientPacket, clients []raw.ConnectedClient, match func(opensdk.ClientHeader) bool) bool {
	for _, client := range clients {
		pkt, ok := find(packets, client.ClientNumber)
		if !ok || !match(pkt.Header) {
			return false
		}
	}
	return true
}
