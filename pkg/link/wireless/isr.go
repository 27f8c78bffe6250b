package wireless

import (
	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
)

// OnVBlank must run on every vertical blank.
func (s *Session) OnVBlank() {
	s.lock()
	defer s.unlock()
	if !s.raw.State().IsSessionActive() {
		return
	}
	defer func() {
		s.receivedThisFrame = false
		s.receivedFrom = [raw.MaxPlayers]bool{}
	}()
	if s.raw.PlayerCount() < 2 {
		return
	}

	if s.receivedThisFrame {
		s.frameTimeout = 0
	} else {
		s.frameTimeout++
	}
	if s.frameTimeout >= s.config.Timeout {
		s.fail(ErrTimeout, nil)
		return
	}

	if s.config.MaxPlayers <= 2 {
		return
	}
	for _, p := range s.remotes() {
		if s.receivedFrom[p] {
			s.remoteTimeouts[p] = 0
			continue
		}
		s.remoteTimeouts[p]++
		if s.remoteTimeouts[p] >= s.config.RemoteTimeout {
			glog.Warningf("wireless: player %d went silent", p)
			s.fail(ErrRemoteTimeout, nil)
			return
		}
	}
}

// OnTimer must run on every timer period. It starts the next command of
// the accept, receive, send cycle unless one is still running.
func (s *Session) OnTimer() {
	s.lock()
	defer s.unlock()
	if !s.raw.State().IsSessionActive() || s.raw.IsBusy() {
		return
	}
	s.promote()

	if s.next == stepAccept {
		if s.isServer() && s.raw.PlayerCount() < s.config.MaxPlayers {
			s.startAsync(raw.CmdAcceptConnections)
			return
		}
		s.next = stepReceive
	}
	if s.next == stepReceive {
		s.startAsync(raw.CmdReceiveData)
		return
	}
	s.sendPending()
}

// OnSerial must run on every serial interrupt.
func (s *Session) OnSerial() {
	s.lock()
	defer s.unlock()
	res, done := s.raw.OnSerial()
	if !done || !s.raw.State().IsSessionActive() {
		return
	}
	if !res.Success {
		s.failAsync(res.CommandID)
		return
	}

	switch res.CommandID {
	case raw.CmdAcceptConnections:
		before := s.raw.PlayerCount()
		clients := s.raw.ApplyConnections(res.Data)
		if limit := s.config.MaxPlayers - 1; len(clients) > limit {
			s.raw.ApplyConnections(res.Data[:limit])
		}
		for p := before; p < s.raw.PlayerCount(); p++ {
			s.admit(p)
		}
		s.next = stepReceive
	case raw.CmdReceiveData:
		s.processIncoming(res.Data)
		s.next = stepSend
	case raw.CmdSendData:
		if !s.config.Retransmission {
			for i := 0; i < s.inFlight; i++ {
				if msg, ok := s.outgoing.Pop(); ok {
					s.release(msg)
				}
			}
		}
		s.inFlight = 0
		s.next = stepAccept
	}
}

func (s *Session) failAsync(cmd byte) {
	e := ErrCommandFailed
	switch {
	case s.raw.AsyncCommand().AckFailed:
		e = ErrAcknowledgeFailed
	case cmd == raw.CmdSendData:
		e = ErrSendDataFailed
	case cmd == raw.CmdReceiveData:
		e = ErrReceiveDataFailed
	}
	s.fail(e, nil)
}

func (s *Session) startAsync(cmd byte, params ...uint32) {
	if err := s.raw.SendCommandAsync(cmd, params...); err != nil {
		s.fail(ErrBusyTryAgain, err)
	}
}

func (s *Session) isServer() bool {
	return s.raw.State() == raw.Serving
}

// remotes lists the player ids this console hears from directly.
func (s *Session) remotes() []int {
	if !s.isServer() {
		return []int{0}
	}
	ids := make([]int, 0, raw.MaxClients)
	for p := 1; p < s.raw.PlayerCount(); p++ {
		ids = append(ids, p)
	}
	return ids
}

// admit starts the sequences of a client that just joined the room. It
// will only receive packets newer than the ones still waiting for
// confirmation.
func (s *Session) admit(p int) {
	base := s.lastPacketID
	if oldest, ok := s.outgoing.Peek(); ok {
		base = oldest.PacketID - 1
	}
	s.lastReceived[p], s.synced[p] = 0, false
	s.joinBase[p], s.lastConfirmation[p] = base, base
	s.remoteTimeouts[p] = 0
	glog.V(1).Infof("wireless: player %d joined after packet %d", p, base)
}

// promote moves relayed and queued user messages in flight, assigning
// packet ids in transmission order.
func (s *Session) promote() {
	for !s.outgoing.IsFull() {
		msg, ok := s.forwards.Pop()
		if !ok {
			if msg, ok = s.outgoingNew.Pop(); !ok {
				return
			}
		}
		s.lastPacketID++
		msg.PacketID = s.lastPacketID
		s.outgoing.Push(msg)
	}
}

func (s *Session) sendPending() {
	maxWords := raw.MaxServerTransferBytes / 4
	if !s.isServer() {
		maxWords = raw.MaxClientTransferBytes / 4
	}

	var words []uint32
	if s.config.Retransmission {
		words = s.confirmations()
	} else if s.outgoing.IsEmpty() {
		words = append(words, s.word(header{isConfirmation: true, playerID: uint8(s.raw.CurrentPlayerID())}, 0))
	}
	n := 0
	s.outgoing.ForEach(func(msg Message) bool {
		if len(words) >= maxWords {
			return false
		}
		words = append(words, s.word(header{
			partialPacketID: s.partial(msg.PacketID),
			playerID:        uint8(msg.PlayerID),
		}, msg.Data))
		n++
		return true
	})

	params, err := s.raw.SendDataParams(words, 0)
	if err != nil {
		s.fail(ErrSendDataFailed, err)
		return
	}
	s.inFlight = n
	glog.V(3).Infof("wireless: sending %d words (%d messages)", len(words), n)
	s.startAsync(raw.CmdSendData, params...)
}

// confirmations acknowledges the last packet received from each remote.
func (s *Session) confirmations() []uint32 {
	var words []uint32
	if s.isServer() {
		for p := 1; p < s.raw.PlayerCount(); p++ {
			words = append(words, s.confirmation(p, p))
		}
		return words
	}
	return append(words, s.confirmation(s.raw.CurrentPlayerID(), 0))
}

// Confirmation data bits.
const (
	confirmationValid     = 1
	confirmationBaseShift = 1
	confirmationBaseMask  = 0x7fff
)

// confirmation carries the partial id of the last packet received from
// sender. Its valid bit is clear until something was received. A host
// also announces the join base of playerID.
func (s *Session) confirmation(playerID, sender int) uint32 {
	data := uint16(s.joinBase[playerID]&confirmationBaseMask) << confirmationBaseShift
	if s.synced[sender] {
		data |= confirmationValid
	}
	return s.word(header{
		partialPacketID: s.partial(s.lastReceived[sender]),
		isConfirmation:  true,
		playerID:        uint8(playerID),
	}, data)
}

// word builds a message word, filling the fields common to every
// message of this console.
func (s *Session) word(h header, data uint16) uint32 {
	if s.isServer() && !s.config.CompactHeaders && s.raw.PlayerCount() >= 2 {
		h.clientCount = uint8(s.raw.PlayerCount() - 2)
	}
	return buildWord(h, data, s.config.CompactHeaders)
}

func (s *Session) partial(id uint32) uint8 {
	return uint8(id % uint32(s.config.packetIDModulo()))
}

func (s *Session) processIncoming(data []uint32) {
	resp := raw.ParseReceiveData(data)
	offset := 0
	for slot, sent := range resp.SentBytes {
		n := sent / 4
		if offset+n > len(resp.Data) {
			n = len(resp.Data) - offset
		}
		words := resp.Data[offset : offset+n]
		offset += n
		if (slot == 0) == s.isServer() || (s.isServer() && slot >= s.raw.PlayerCount()) {
			continue
		}
		for _, w := range words {
			s.processWord(slot, w)
		}
	}
}

// processWord handles one word received from the player in slot sender.
func (s *Session) processWord(sender int, w uint32) {
	compact := s.config.CompactHeaders
	h, data, ok := parseWord(w, compact)
	if !ok {
		glog.V(3).Infof("wireless: checksum mismatch from player %d: %08x", sender, w)
		return
	}
	s.receivedThisFrame = true
	s.receivedFrom[sender] = true
	if !s.isServer() && !compact {
		s.raw.SetPlayerCount(int(h.clientCount) + 2)
	}

	if h.isConfirmation {
		if !s.config.Retransmission {
			return
		}
		if !s.isServer() && !s.joined && int(h.playerID) == s.raw.CurrentPlayerID() {
			s.lastReceived[0] = uint32(data>>confirmationBaseShift) & confirmationBaseMask
			s.joined = true
		}
		if data&confirmationValid != 0 {
			s.confirm(sender, h)
		}
		return
	}

	id := s.lastReceived[sender] + 1
	if s.config.Retransmission {
		if !s.isServer() && !s.joined {
			return
		}
		if h.partialPacketID != s.partial(id) {
			glog.V(3).Infof("wireless: out of sequence from player %d: %d, want %d", sender, h.partialPacketID, s.partial(id))
			return
		}
	}
	msg := Message{PacketID: id, Data: data, PlayerID: int(h.playerID)}
	forward := s.isServer() && s.config.Forwarding && s.raw.PlayerCount() > 2
	if forward && s.forwards.IsFull() {
		glog.V(2).Infof("wireless: forward queue full, dropped packet %d", id)
		return
	}
	if int(h.playerID) != s.raw.CurrentPlayerID() {
		if !s.incoming.Push(msg) {
			glog.V(2).Infof("wireless: incoming queue full, dropped packet %d", id)
			return
		}
	}
	if forward {
		msg.forwarded = true
		s.forwards.Push(msg)
	}
	s.lastReceived[sender] = id
	s.synced[sender] = true
}

// confirm drops the outgoing messages every remote has acknowledged.
// Partial ids are unique within the outgoing queue.
func (s *Session) confirm(sender int, h header) {
	if !s.isServer() {
		if int(h.playerID) != s.raw.CurrentPlayerID() {
			return
		}
		removed := s.outgoing.RemoveUntil(func(msg Message) bool {
			return s.partial(msg.PacketID) == h.partialPacketID
		})
		for _, msg := range removed {
			s.release(msg)
		}
		return
	}

	s.outgoing.ForEach(func(msg Message) bool {
		if s.partial(msg.PacketID) != h.partialPacketID {
			return true
		}
		if msg.PacketID > s.lastConfirmation[sender] {
			s.lastConfirmation[sender] = msg.PacketID
		}
		return false
	})
	confirmed := s.lastConfirmation[1]
	for p := 2; p < s.raw.PlayerCount(); p++ {
		if s.lastConfirmation[p] < confirmed {
			confirmed = s.lastConfirmation[p]
		}
	}
	for {
		msg, ok := s.outgoing.Peek()
		if !ok || msg.PacketID > confirmed {
			return
		}
		s.outgoing.Pop()
		s.release(msg)
	}
}
