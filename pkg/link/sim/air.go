// Package sim emulates wireless adapters and the consoles driving them,
// so the link drivers can run on a desktop.
//
// An Air connects every adapter created from it. Each Console exposes
// the serial registers of one console (hw.Port) and its interrupt lines
// (hw.InterruptController); its Adapter answers the login, command and
// acknowledge sequences of the real hardware and routes radio data
// through the Air.
package sim

import (
	"errors"
	"strconv"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
)

var (
	// ErrNoHost indicates no serving adapter has the requested id.
	ErrNoHost = errors.New("no such host")
)

// Peer is a scripted client living on the Air without a console.
type Peer interface {
	// Receive is called with every packet the host sends. It returns the
	// bytes the peer answers with, or nil.
	Receive(clientNumber uint8, data []byte) []byte
}

// PeerFunc adapts a function to Peer.
type PeerFunc func(clientNumber uint8, data []byte) []byte

// Receive implements Peer.
func (f PeerFunc) Receive(clientNumber uint8, data []byte) []byte {
	return f(clientNumber, data)
}

// Air is the shared radio medium.
type Air struct {
	mu       sync.Mutex
	nextID   uint16
	adapters []*Adapter
}

// NewAir creates a medium assigning device ids from seed.
func NewAir(seed uint16) *Air {
	return &Air{nextID: seed}
}

// MachineSeed derives a device id seed from the machine id, so ids look
// stable across runs on the same host.
func MachineSeed() uint16 {
	id, err := machineid.ProtectedID("gbalink")
	if err != nil || len(id) < 4 {
		glog.Warningf("machine id unavailable: %v", err)
		return 0x1000
	}
	v, err := strconv.ParseUint(id[:4], 16, 16)
	if err != nil {
		return 0x1000
	}
	return uint16(v)
}

// NewConsole creates a console with its own adapter plugged in.
func (a *Air) NewConsole() *Console {
	a.mu.Lock()
	defer a.mu.Unlock()
	adapter := &Adapter{air: a, id: a.allocateID(), present: true}
	a.adapters = append(a.adapters, adapter)
	return &Console{adapter: adapter}
}

// JoinPeer asks the host with id hostID to admit peer. The peer becomes
// a client on the host's next AcceptConnections.
func (a *Air) JoinPeer(hostID uint16, peer Peer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	host := a.findHost(hostID)
	if host == nil {
		return ErrNoHost
	}
	host.waiting = append(host.waiting, &link{deviceID: a.allocateID(), peer: peer})
	return nil
}

// Hosts returns the device ids of the adapters currently serving.
func (a *Air) Hosts() []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []uint16
	for _, adapter := range a.adapters {
		if adapter.role == roleHost && !adapter.closed {
			ids = append(ids, adapter.id)
		}
	}
	return ids
}

func (a *Air) allocateID() uint16 {
	a.nextID++
	if a.nextID == 0 {
		a.nextID++
	}
	return a.nextID
}

func (a *Air) findHost(id uint16) *Adapter {
	for _, adapter := range a.adapters {
		if adapter.id == id && adapter.role == roleHost && !adapter.closed {
			return adapter
		}
	}
	return nil
}

// serverWords builds the BroadcastReadPoll response seen by self.
func (a *Air) serverWords(self *Adapter) []uint32 {
	var words []uint32
	for _, adapter := range a.adapters {
		if adapter == self || adapter.role != roleHost || adapter.closed {
			continue
		}
		if len(words)/raw.BroadcastResponseLen == raw.MaxServers {
			break
		}
		words = append(words, uint32(adapter.id)|uint32(adapter.nextClientNumber())<<16)
		broadcast := make([]uint32, raw.BroadcastLength)
		copy(broadcast, adapter.broadcast)
		words = append(words, broadcast...)
	}
	return words
}
