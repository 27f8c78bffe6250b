package sh

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/golang/glog"

	fx "github.com/afska/gba-link-connection-sub000/pkg/framework"
	"github.com/afska/gba-link-connection-sub000/pkg/link/sim"
	"github.com/afska/gba-link-connection-sub000/pkg/link/wireless"
	"github.com/afska/gba-link-connection-sub000/pkg/relay"
)

// Shell provides an ishell backed console on a simulated room.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell  *ishell.Shell
	Air    *sim.Air
	Config *wireless.Config
	Relay  *relay.Config
	Nodes  []*Node

	current int
	drivers *fx.Runner
}

// Node is one simulated console running a session.
type Node struct {
	Name    string
	Console *sim.Console
	Session *wireless.Session

	bridge *relay.Bridge
	relay  *fx.Runner
}

const shellKey = "$shell"

var (
	// flags

	evalOnly   bool
	outputJSON bool
	consoles   = 2
	realtime   bool

	// commands
	commands = []*ishell.Cmd{
		&ConsolesCmd,
		&UseCmd,
		&ServeCmd,
		&ScanCmd,
		&ConnectCmd,
		&SendCmd,
		&RecvCmd,
		&StatusCmd,
		&TickCmd,
		&RealtimeCmd,
		&WaitCmd,
		&ResetCmd,
		&MultibootCmd,
		&RelayCmd,
	}
)

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
	flag.IntVar(&consoles, "consoles", consoles, "Number of simulated consoles.")
	flag.BoolVar(&realtime, "realtime", realtime, "Drive interrupts in real time.")
}

// AddCmds registers more commands. It must be called before New.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a shell with n consoles sharing one Air, each activated.
func New(conf *wireless.Config, relayConf *relay.Config, n int) (*Shell, error) {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Air:    sim.NewAir(sim.MachineSeed()),
		Config: conf,
		Relay:  relayConf,
	}
	for i := 0; i < n; i++ {
		console := s.Air.NewConsole()
		session, err := conf.NewSession(console)
		if err != nil {
			return nil, err
		}
		session.Install(console)
		if err := session.Activate(); err != nil {
			return nil, fmt.Errorf("console %d: %w", i, err)
		}
		s.Nodes = append(s.Nodes, &Node{Name: "p" + strconv.Itoa(i), Console: console, Session: session})
	}
	s.Shell.Set(shellKey, s)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	s.use(0)
	return s, nil
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Current returns the selected node.
func (s *Shell) Current() *Node {
	return s.Nodes[s.current]
}

func (s *Shell) use(i int) {
	s.current = i
	s.Shell.SetPrompt(fmt.Sprintf("[%s] > ", s.Nodes[i].Name))
}

// Tick runs n timer periods and vertical blanks on every console.
func (s *Shell) Tick(n int) {
	for i := 0; i < n; i++ {
		for _, node := range s.Nodes {
			node.Console.Tick()
		}
	}
}

// tickOthers ticks every console but node once.
func (s *Shell) tickOthers(node *Node) {
	for _, other := range s.Nodes {
		if other != node {
			other.Console.Tick()
		}
	}
}

// StartDrivers drives every console in real time.
func (s *Shell) StartDrivers() {
	if s.drivers != nil {
		return
	}
	s.drivers = fx.NewRunner()
	for _, node := range s.Nodes {
		s.drivers.Go(s.Config.NewDriver(node.Name, node.Console))
	}
}

// Realtime reports whether the drivers are running.
func (s *Shell) Realtime() bool {
	return s.drivers != nil
}

// StopDrivers stops the real time drivers.
func (s *Shell) StopDrivers() error {
	if s.drivers == nil {
		return nil
	}
	s.drivers.Stop()
	err := s.drivers.Wait()
	s.drivers = nil
	return err
}

// Close stops every background runner.
func (s *Shell) Close() {
	for _, node := range s.Nodes {
		if err := node.StopRelay(); err != nil {
			glog.Warningf("relay %s: %v", node.Name, err)
		}
	}
	if err := s.StopDrivers(); err != nil {
		glog.Warningf("drivers: %v", err)
	}
}

// StartRelay runs b for the node until StopRelay.
func (n *Node) StartRelay(b *relay.Bridge) error {
	if n.relay != nil {
		return fmt.Errorf("%s is already relayed", n.Name)
	}
	n.bridge = b
	n.relay = fx.NewRunner().Go(b)
	return nil
}

// StopRelay stops the relay of the node, if any.
func (n *Node) StopRelay() error {
	if n.relay == nil {
		return nil
	}
	n.relay.Stop()
	err := n.relay.Wait()
	n.relay, n.bridge = nil, nil
	return err
}

// Relayed reports whether a bridge owns the session's queues.
func (n *Node) Relayed() bool {
	return n.relay != nil
}

// Status is the printable state of a node.
type Status struct {
	Name        string
	State       string
	PlayerID    int
	PlayerCount int
	Pending     int
	Available   int
	LastError   string
	Relay       *relay.Stats `json:",omitempty"`
}

// Status collects the node status. The last error is not cleared.
func (n *Node) Status() Status {
	st := Status{
		Name:        n.Name,
		State:       n.Session.State().String(),
		PlayerID:    n.Session.CurrentPlayerID(),
		PlayerCount: n.Session.PlayerCount(),
		Pending:     n.Session.Pending(),
		Available:   n.Session.Available(),
		LastError:   n.Session.LastError(false).Error(),
	}
	if n.bridge != nil {
		stats := n.bridge.Stats()
		st.Relay = &stats
	}
	return st
}

func (st Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s player %d/%d, %d pending, %d available, last error: %s",
		st.Name, st.State, st.PlayerID, st.PlayerCount, st.Pending, st.Available, st.LastError)
	if st.Relay != nil {
		fmt.Fprintf(&b, ", relay in %d out %d dropped %d", st.Relay.In, st.Relay.Out, st.Relay.Dropped)
	}
	return b.String()
}

// Print prints v as JSON or with its String method.
func (s *Shell) Print(c *ishell.Context, v fmt.Stringer) {
	if !s.OutputJSON {
		c.Println(v.String())
		return
	}
	out, err := json.Marshal(v)
	if err != nil {
		c.Err(err)
		return
	}
	c.Println(string(out))
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	defer s.Close()
	if realtime {
		s.StartDrivers()
	}
	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	s, err := New(wireless.Default(), relay.Default(), consoles)
	if err != nil {
		log.Fatalln(err)
	}
	s.Run(flag.Args()...)
}
