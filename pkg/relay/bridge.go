package relay

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	fx "github.com/afska/gba-link-connection-sub000/pkg/framework"
	"github.com/afska/gba-link-connection-sub000/pkg/link/wireless"
)

// Endpoint is the session side of a bridge. *wireless.Session
// implements it.
type Endpoint interface {
	Send(data uint16) error
	Receive() []wireless.Message
}

// Stats counts the messages through a bridge.
type Stats struct {
	In, Out, Dropped uint64
}

const inboundBuffer = 64

// Bridge copies messages received by an Endpoint to a PacketReadWriter
// and packets read from it back into the Endpoint. While running, the
// bridge is the only caller of Send and Receive.
type Bridge struct {
	Endpoint   Endpoint
	ReadWriter PacketReadWriter
	// Interval is how often the endpoint is polled.
	Interval time.Duration

	name             string
	in, out, dropped atomic.Uint64
}

// NewBridge creates a bridge.
func NewBridge(name string, ep Endpoint, rw PacketReadWriter, interval time.Duration) *Bridge {
	return &Bridge{Endpoint: ep, ReadWriter: rw, Interval: interval, name: name}
}

// Name implements framework.Named.
func (b *Bridge) Name() string {
	return b.name
}

// Stats returns the counters.
func (b *Bridge) Stats() Stats {
	return Stats{In: b.in.Load(), Out: b.out.Load(), Dropped: b.dropped.Load()}
}

// Run implements framework.Runnable. It stops when ctx is done or the
// transport fails. A ReadWriter that is also a Runnable runs alongside.
func (b *Bridge) Run(ctx context.Context) error {
	runner := fx.NewRunnerWith(ctx)
	inC := make(chan wireless.Message, inboundBuffer)
	parts := []fx.Runnable{
		fx.NamedRun(b.name+".read", fx.RunFunc(func(ctx context.Context) error { return b.read(ctx, inC) })),
		fx.NamedRun(b.name+".pump", fx.RunFunc(func(ctx context.Context) error { return b.pump(ctx, inC) })),
	}
	if transport, ok := b.ReadWriter.(fx.Runnable); ok {
		parts = append(parts, fx.NamedRun(b.name+".transport", transport))
	}
	for _, part := range parts {
		runner.Go(stopAll(runner, part))
	}
	glog.V(1).Infof("relay %s: started", b.name)
	return runner.Wait()
}

// stopAll stops every part of the runner as soon as one returns.
func stopAll(runner *fx.Runner, part fx.Runnable) fx.Runnable {
	return fx.NamedRun(part.(fx.Named).Name(), fx.RunFunc(func(ctx context.Context) error {
		defer runner.Stop()
		return part.Run(ctx)
	}))
}

func (b *Bridge) read(ctx context.Context, inC chan<- wireless.Message) error {
	read := func() error {
		for {
			pkt, err := b.ReadWriter.ReadPacket()
			if err != nil {
				return err
			}
			msg, err := DecodeMessage(pkt)
			if err != nil {
				b.dropped.Add(1)
				glog.Warningf("relay %s: bad packet: %v", b.name, err)
				continue
			}
			select {
			case inC <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if closer, ok := b.ReadWriter.(io.Closer); ok {
		return fx.RunWithContextCloser(ctx, closer, read)
	}
	return fx.RunWithContext(ctx, read)
}

func (b *Bridge) pump(ctx context.Context, inC <-chan wireless.Message) error {
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inC:
			if err := b.Endpoint.Send(msg.Data); err != nil {
				b.dropped.Add(1)
				glog.Warningf("relay %s: dropped %d: %v", b.name, msg.Data, err)
				continue
			}
			b.in.Add(1)
		case <-ticker.C:
			for _, msg := range b.Endpoint.Receive() {
				pkt, err := EncodeMessage(msg)
				if err != nil {
					b.dropped.Add(1)
					continue
				}
				if err := b.ReadWriter.WritePacket(pkt); err != nil {
					return err
				}
				b.out.Add(1)
			}
		}
	}
}
