package sh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	fx "github.com/afska/gba-link-connection-sub000/pkg/framework"
	"github.com/afska/gba-link-connection-sub000/pkg/link/multiboot"
	"github.com/afska/gba-link-connection-sub000/pkg/link/raw"
	"github.com/afska/gba-link-connection-sub000/pkg/link/sim"
	"github.com/afska/gba-link-connection-sub000/pkg/relay"
	"github.com/afska/gba-link-connection-sub000/pkg/relay/stream"
	"github.com/afska/gba-link-connection-sub000/pkg/relay/websocket"
)

var errRealtime = errors.New("consoles are driven in real time")

const (
	connectAttempts = 30
	defaultGameName = "GBALINK"
	defaultGameID   = 0x1234
)

// DefaultUserName is derived from the machine id.
func DefaultUserName() string {
	id := relay.MachineID()
	if len(id) > raw.MaxUserNameLength {
		id = id[:raw.MaxUserNameLength]
	}
	return id
}

// MustBeLocal wraps command funcs using the session queues, which a
// relay owns while running.
func MustBeLocal(fn func(c *ishell.Context, n *Node)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		n := ShellFrom(c).Current()
		if n.Relayed() {
			c.Err(fmt.Errorf("%s is relayed", n.Name))
			return
		}
		fn(c, n)
	}
}

func parseUint16(s, what string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", what, err)
	}
	return uint16(v), nil
}

type serverList []raw.Server

func (l serverList) String() string {
	if len(l) == 0 {
		return "No servers found"
	}
	lines := make([]string, len(l))
	for i, server := range l {
		lines[i] = fmt.Sprintf("%04x %q by %q game %04x", server.ID, server.GameName, server.UserName, server.GameID)
		if server.IsFull() {
			lines[i] += " (full)"
		}
	}
	return strings.Join(lines, "\n")
}

type statusList []Status

func (l statusList) String() string {
	lines := make([]string, len(l))
	for i, st := range l {
		lines[i] = st.String()
	}
	return strings.Join(lines, "\n")
}

func romFrom(arg string) ([]byte, error) {
	if size, err := strconv.Atoi(arg); err == nil {
		rom := make([]byte, size)
		rand.Read(rom)
		return rom, nil
	}
	return os.ReadFile(arg)
}

var (
	// ConsolesCmd lists the consoles.
	ConsolesCmd = ishell.Cmd{
		Name:    "consoles",
		Aliases: []string{"ls"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			var list statusList
			for _, n := range s.Nodes {
				list = append(list, n.Status())
			}
			s.Print(c, list)
		},
	}

	// UseCmd selects the console the other commands act on.
	UseCmd = ishell.Cmd{
		Name: "use",
		Help: "N",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("N required"))
				return
			}
			i, err := strconv.Atoi(strings.TrimPrefix(c.Args[0], "p"))
			if err != nil || i < 0 || i >= len(s.Nodes) {
				c.Err(fmt.Errorf("invalid console %q", c.Args[0]))
				return
			}
			s.use(i)
		},
	}

	// ServeCmd starts hosting a room.
	ServeCmd = ishell.Cmd{
		Name: "serve",
		Help: "[GAME] [USER] [GAMEID]",
		Func: func(c *ishell.Context) {
			n := ShellFrom(c).Current()
			game, user, gameID := defaultGameName, DefaultUserName(), uint16(defaultGameID)
			if len(c.Args) > 0 {
				game = c.Args[0]
			}
			if len(c.Args) > 1 {
				user = c.Args[1]
			}
			if len(c.Args) > 2 {
				var err error
				if gameID, err = parseUint16(c.Args[2], "GAMEID"); err != nil {
					c.Err(err)
					return
				}
			}
			if err := n.Session.Serve(game, user, gameID); err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s serving %q as %04x\n", n.Name, game, n.Console.Adapter().ID())
		},
	}

	// ScanCmd searches for hosts.
	ScanCmd = ishell.Cmd{
		Name:    "scan",
		Aliases: []string{"s"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			servers, err := s.Current().Session.GetServers(nil)
			if err != nil {
				c.Err(err)
				return
			}
			s.Print(c, serverList(servers))
		},
	}

	// ConnectCmd joins a host, ticking the other consoles meanwhile.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "HOSTID",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			n := s.Current()
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("HOSTID required"))
				return
			}
			id, err := parseUint16(c.Args[0], "HOSTID")
			if err != nil {
				c.Err(err)
				return
			}
			if s.Realtime() {
				c.Err(errRealtime)
				return
			}
			if err := n.Session.Connect(id); err != nil {
				c.Err(err)
				return
			}
			for i := 0; i < connectAttempts && n.Session.State() == raw.Connecting; i++ {
				if err := n.Session.KeepConnecting(); err != nil {
					c.Err(err)
					return
				}
				s.tickOthers(n)
			}
			if n.Session.State() != raw.Connected {
				c.Err(fmt.Errorf("still %s", n.Session.State()))
				return
			}
			c.Printf("%s connected as player %d\n", n.Name, n.Session.CurrentPlayerID())
		},
	}

	// SendCmd queues messages.
	SendCmd = ishell.Cmd{
		Name: "send",
		Help: "DATA...",
		Func: MustBeLocal(func(c *ishell.Context, n *Node) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("DATA required"))
				return
			}
			for _, arg := range c.Args {
				data, err := parseUint16(arg, "DATA")
				if err != nil {
					c.Err(err)
					return
				}
				if err := n.Session.Send(data); err != nil {
					c.Err(err)
					return
				}
			}
		}),
	}

	// RecvCmd prints the messages received so far.
	RecvCmd = ishell.Cmd{
		Name: "recv",
		Help: "",
		Func: MustBeLocal(func(c *ishell.Context, n *Node) {
			for _, msg := range n.Session.Receive() {
				c.Printf("#%d from player %d: %d\n", msg.PacketID, msg.PlayerID, msg.Data)
			}
		}),
	}

	// StatusCmd prints the selected console's state.
	StatusCmd = ishell.Cmd{
		Name: "status",
		Help: "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			s.Print(c, s.Current().Status())
		},
	}

	// TickCmd runs timer periods and frames on every console.
	TickCmd = ishell.Cmd{
		Name:    "tick",
		Aliases: []string{"t"},
		Help:    "[N]",
		Func: func(c *ishell.Context) {
			n := 1
			if len(c.Args) > 0 {
				var err error
				if n, err = strconv.Atoi(c.Args[0]); err != nil || n < 1 {
					c.Err(fmt.Errorf("invalid N %q", c.Args[0]))
					return
				}
			}
			s := ShellFrom(c)
			if s.Realtime() {
				c.Err(errRealtime)
				return
			}
			s.Tick(n)
		},
	}

	// RealtimeCmd starts or stops the real time drivers.
	RealtimeCmd = ishell.Cmd{
		Name: "realtime",
		Help: "on|off",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) > 0 && c.Args[0] == "off" {
				if err := s.StopDrivers(); err != nil {
					c.Err(err)
				}
				return
			}
			s.StartDrivers()
		},
	}

	// WaitCmd blocks until Ctrl-C, leaving drivers and relays running.
	WaitCmd = ishell.Cmd{
		Name: "wait",
		Help: "",
		Func: func(c *ishell.Context) {
			r := fx.NewRunner().HandleSignals()
			r.Go(fx.RunFunc(func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}))
			if err := r.Wait(); err != nil && !errors.Is(err, fx.ErrForcedExit) {
				c.Err(err)
			}
		},
	}

	// ResetCmd restarts the selected console's session.
	ResetCmd = ishell.Cmd{
		Name: "reset",
		Help: "",
		Func: func(c *ishell.Context) {
			n := ShellFrom(c).Current()
			if err := n.StopRelay(); err != nil {
				c.Err(err)
			}
			if err := n.Session.Deactivate(); err != nil {
				c.Err(err)
			}
			if err := n.Session.Activate(); err != nil {
				c.Err(err)
			}
		},
	}

	// MultibootCmd sends a ROM from a new console to simulated clients.
	MultibootCmd = ishell.Cmd{
		Name: "multiboot",
		Help: "SIZE|FILE [PLAYERS]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("SIZE or FILE required"))
				return
			}
			rom, err := romFrom(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			players := 2
			if len(c.Args) > 1 {
				if players, err = strconv.Atoi(c.Args[1]); err != nil {
					c.Err(fmt.Errorf("invalid PLAYERS: %v", err))
					return
				}
			}

			console := s.Air.NewConsole()
			var clients []*sim.MultibootClient
			listener := func(p multiboot.Progress) bool {
				if p.State == multiboot.Waiting && len(clients) == 0 {
					for i := 1; i < players; i++ {
						client := sim.NewMultibootClient()
						if err := s.Air.JoinPeer(console.Adapter().ID(), client); err != nil {
							c.Err(err)
							return true
						}
						clients = append(clients, client)
					}
				}
				return false
			}
			sender := multiboot.New(console)
			start := time.Now()
			result, err := sender.SendRom(context.Background(), rom, defaultGameName, DefaultUserName(), defaultGameID, players, listener)
			if err != nil {
				c.Err(err)
				return
			}
			stats := sender.Stats()
			c.Printf("%s: %d bytes in %v, %d transfers, %d retries\n", result, len(rom), time.Since(start), stats.Transfers, stats.Retries)
			for i, client := range clients {
				if string(client.ROM()) != string(rom) {
					c.Err(fmt.Errorf("client %d received a different ROM", i))
				}
			}
		},
	}

	// RelayCmd bridges the selected console's session to a transport.
	RelayCmd = ishell.Cmd{
		Name: "relay",
		Help: "mqtt | tcp ADDR | ws URL | stop",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			n := s.Current()
			kind := "mqtt"
			if len(c.Args) > 0 {
				kind = c.Args[0]
			}
			var b *relay.Bridge
			switch kind {
			case "stop":
				if err := n.StopRelay(); err != nil {
					c.Err(err)
				}
				return
			case "mqtt":
				var err error
				if b, _, err = s.Relay.NewMQTTBridge(n.Name, n.Session); err != nil {
					c.Err(err)
					return
				}
			case "tcp", "ws":
				if len(c.Args) < 2 {
					c.Err(fmt.Errorf("address required"))
					return
				}
				rw, err := dialRelay(kind, c.Args[1])
				if err != nil {
					c.Err(err)
					return
				}
				b = s.Relay.NewBridge(n.Name, n.Session, rw)
			default:
				c.Err(fmt.Errorf("unknown relay %q", kind))
				return
			}
			if err := n.StartRelay(b); err != nil {
				c.Err(err)
			}
		},
	}
)

func dialRelay(kind, addr string) (relay.PacketReadWriter, error) {
	if kind == "ws" {
		return websocket.Dial(addr, "http://localhost/")
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return stream.New(conn), nil
}
