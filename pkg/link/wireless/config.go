package wireless

import (
	"errors"
	"flag"
	"time"

	"github.com/afska/gba-link-connection-sub000/pkg/link/hw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
)

// Config defines the session options.
type Config struct {
	// Retransmission resends every message until the remote confirms it.
	Retransmission bool
	// MaxPlayers is the room size, 2 to 5.
	MaxPlayers int
	// Timeout is the number of frames without any data before the
	// session resets.
	Timeout int
	// RemoteTimeout is the number of frames a single remote may stay
	// silent. It only applies to rooms of more than two players.
	RemoteTimeout int
	// Interval is the timer period, in ticks of 256 cycles.
	Interval int
	// Forwarding makes the host relay client messages to the other
	// clients.
	Forwarding bool
	// CompactHeaders selects the two-player message header layout.
	CompactHeaders bool
	// QueueSize bounds the outgoing and incoming queues.
	QueueSize int
}

var defaultConfig = Config{
	Retransmission: true,
	MaxPlayers:     raw.MaxPlayers,
	Timeout:        10,
	RemoteTimeout:  10,
	Interval:       50,
	Forwarding:     true,
	QueueSize:      30,
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.BoolVar(&defaultConfig.Retransmission, "retransmission", defaultConfig.Retransmission, "Resend messages until confirmed.")
	flag.IntVar(&defaultConfig.MaxPlayers, "max-players", defaultConfig.MaxPlayers, "Room size (2-5).")
	flag.IntVar(&defaultConfig.Timeout, "timeout", defaultConfig.Timeout, "Frames without data before reset.")
	flag.IntVar(&defaultConfig.RemoteTimeout, "remote-timeout", defaultConfig.RemoteTimeout, "Frames a remote may stay silent.")
	flag.IntVar(&defaultConfig.Interval, "interval", defaultConfig.Interval, "Timer period in 256-cycle ticks.")
	flag.BoolVar(&defaultConfig.Forwarding, "forwarding", defaultConfig.Forwarding, "Relay client messages to other clients.")
	flag.BoolVar(&defaultConfig.CompactHeaders, "compact-headers", defaultConfig.CompactHeaders, "Use the two-player header layout.")
	flag.IntVar(&defaultConfig.QueueSize, "queue-size", defaultConfig.QueueSize, "Outgoing and incoming queue capacity.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with defaults.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// Validate checks the option ranges.
func (c *Config) Validate() error {
	if c.MaxPlayers < 2 || c.MaxPlayers > raw.MaxPlayers {
		return errors.New("max players must be between 2 and 5")
	}
	if c.CompactHeaders && c.MaxPlayers != 2 {
		return errors.New("compact headers require 2 players")
	}
	if c.QueueSize < 1 || c.QueueSize >= c.packetIDModulo() {
		return errors.New("queue size out of range")
	}
	if c.Timeout < 1 || c.RemoteTimeout < 1 || c.Interval < 1 {
		return errors.New("timeouts and interval must be positive")
	}
	return nil
}

// NewSession validates the config and creates a session on port.
func (c *Config) NewSession(port hw.Port) (*Session, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return New(port, *c), nil
}

// TimerPeriod converts Interval to wall time on a 16.78 MHz clock.
func (c *Config) TimerPeriod() time.Duration {
	return time.Duration(c.Interval) * 256 * time.Second / cpuFrequency
}

func (c *Config) packetIDModulo() int {
	if c.CompactHeaders {
		return 1 << compactPacketIDBits
	}
	return 1 << packetIDBits
}

const (
	cpuFrequency = 1 << 24
	// FramePeriod is the time between two vertical blanks.
	FramePeriod = time.Second * 280896 / cpuFrequency
)
