package relay

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"

	"github.com/afska/gba-link-connection-sub000/pkg/relay/mqtt"
)

// Config provides the options to set up relays.
type Config struct {
	// MQTTBrokerURL specifies the MQTT broker to use.
	// e.g. mqtt://host:port/topic-prefix
	MQTTBrokerURL string
	// Room names the topics of the relayed session.
	Room string
	// Interval is how often the session is polled.
	Interval time.Duration
}

var defaultConfig = Config{
	MQTTBrokerURL: "mqtt://localhost:1883/gbalink/",
	Room:          "room",
	Interval:      10 * time.Millisecond,
}

func init() {
	if val := os.Getenv("GBALINK_MQTT_URL"); val != "" {
		defaultConfig.MQTTBrokerURL = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.MQTTBrokerURL, "mqtt", defaultConfig.MQTTBrokerURL, "MQTT broker URL.")
	flag.StringVar(&defaultConfig.Room, "room", defaultConfig.Room, "Relay room name.")
	flag.DurationVar(&defaultConfig.Interval, "relay-interval", defaultConfig.Interval, "Session polling interval.")
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

// MachineID identifies this machine, hashed per application.
func MachineID() string {
	id, err := machineid.ProtectedID("gbalink")
	if err != nil {
		return "unknown"
	}
	return id
}

// NewMQTTQueue creates a queue on the configured broker. The client id
// defaults to one derived from the machine id and name.
func (c *Config) NewMQTTQueue(name string) (*mqtt.Queue, error) {
	u, err := url.Parse(c.MQTTBrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT broker URL: %w", err)
	}
	if u.Scheme != "mqtt" && u.Scheme != "tcp" && u.Scheme != "ws" && u.Scheme != "ssl" {
		return nil, fmt.Errorf("unknown MQTT broker URL scheme: %q", u.Scheme)
	}
	opts, prefix, err := mqtt.ClientOptionsFromURL(c.MQTTBrokerURL)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		id := MachineID()
		if len(id) > 8 {
			id = id[:8]
		}
		opts.SetClientID("gbalink:" + id + ":" + name)
	}
	return mqtt.NewQueue(opts, prefix), nil
}

// NewMQTTBridge connects to the broker and creates a bridge publishing
// what ep receives to the room.
func (c *Config) NewMQTTBridge(name string, ep Endpoint) (*Bridge, *mqtt.Queue, error) {
	q, err := c.NewMQTTQueue(name)
	if err != nil {
		return nil, nil, err
	}
	token := q.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, nil, err
	}
	rw := mqtt.NewPacketReadWriter(q).ForLink(c.Room)
	return c.NewBridge(name, ep, rw), q, nil
}

// NewBridge creates a bridge polling at the configured interval.
func (c *Config) NewBridge(name string, ep Endpoint, rw PacketReadWriter) *Bridge {
	return NewBridge(name, ep, rw, c.Interval)
}
