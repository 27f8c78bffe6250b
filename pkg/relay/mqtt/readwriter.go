package mqtt

import (
	"context"
	"io"
)

// Topic suffixes of a room.
const (
	LinkTopic   = "link"
	RemoteTopic = "remote"
)

// ReadWriter exchanges packets over a pair of topics. It implements
// relay.PacketReadWriter and framework.Runnable; packets are only
// received while Run is running.
type ReadWriter struct {
	Queue    *Queue
	SubTopic string
	PubTopic string

	packetC chan []byte
	done    chan struct{}
}

// NewPacketReadWriter creates the ReadWriter.
func NewPacketReadWriter(q *Queue) *ReadWriter {
	return &ReadWriter{Queue: q, packetC: make(chan []byte, 16), done: make(chan struct{})}
}

// WithTopics specifies the topics.
func (p *ReadWriter) WithTopics(sub, pub string) *ReadWriter {
	p.SubTopic, p.PubTopic = sub, pub
	return p
}

// ForLink sets the topics of the side attached to a console:
// it publishes room/link and subscribes room/remote.
func (p *ReadWriter) ForLink(room string) *ReadWriter {
	return p.WithTopics(room+"/"+RemoteTopic, room+"/"+LinkTopic)
}

// ForRemote sets the topics of a remote peer, the mirror of ForLink.
func (p *ReadWriter) ForRemote(room string) *ReadWriter {
	return p.WithTopics(room+"/"+LinkTopic, room+"/"+RemoteTopic)
}

// ReadPacket implements PacketReader. It returns io.EOF once Run
// stopped.
func (p *ReadWriter) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-p.packetC:
		return pkt, nil
	case <-p.done:
		return nil, io.EOF
	}
}

// WritePacket implements PacketWriter.
func (p *ReadWriter) WritePacket(pkt []byte) error {
	token := p.Queue.Pub(p.PubTopic, pkt)
	token.Wait()
	return token.Error()
}

// Run implements Runnable.
func (p *ReadWriter) Run(ctx context.Context) error {
	sub := p.Queue.Sub(p.SubTopic, p.handleMsg)
	<-ctx.Done()
	close(p.done)
	sub.Close()
	return ctx.Err()
}

func (p *ReadWriter) handleMsg(_ string, payload []byte) {
	select {
	case p.packetC <- payload:
	case <-p.done:
	}
}
