package wireless

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
)

// Driver emulates the timer and vertical blank interrupts of a console
// in real time. It implements framework.Runnable.
type Driver struct {
	Lines       hw.Interrupter
	TimerPeriod time.Duration
	FramePeriod time.Duration

	name string
}

// NewDriver creates a driver ticking lines at the periods of conf.
func (c *Config) NewDriver(name string, lines hw.Interrupter) *Driver {
	return &Driver{
		Lines:       lines,
		TimerPeriod: c.TimerPeriod(),
		FramePeriod: FramePeriod,
		name:        name,
	}
}

// Name implements framework.Named.
func (d *Driver) Name() string {
	return d.name
}

// Run implements framework.Runnable.
func (d *Driver) Run(ctx context.Context) error {
	timer := time.NewTicker(d.TimerPeriod)
	defer timer.Stop()
	frame := time.NewTicker(d.FramePeriod)
	defer frame.Stop()

	glog.V(1).Infof("driver %s: timer every %v", d.name, d.TimerPeriod)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			d.Lines.Timer()
		case <-frame.C:
			d.Lines.VBlank()
		}
	}
}
