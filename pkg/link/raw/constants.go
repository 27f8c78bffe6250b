package raw

// Command types.
const (
	CmdHello              byte = 0x10
	CmdSignalLevel        byte = 0x11
	CmdVersionStatus      byte = 0x12
	CmdSystemStatus       byte = 0x13
	CmdSlotStatus         byte = 0x14
	CmdConfigStatus       byte = 0x15
	CmdBroadcast          byte = 0x16
	CmdSetup              byte = 0x17
	CmdStartHost          byte = 0x19
	CmdAcceptConnections  byte = 0x1a
	CmdEndHost            byte = 0x1b
	CmdBroadcastReadStart byte = 0x1c
	CmdBroadcastReadPoll  byte = 0x1d
	CmdBroadcastReadEnd   byte = 0x1e
	CmdConnect            byte = 0x1f
	CmdIsFinishedConnect  byte = 0x20
	CmdFinishConnection   byte = 0x21
	CmdSendData           byte = 0x24
	CmdSendDataAndWait    byte = 0x25
	CmdReceiveData        byte = 0x26
	CmdWait               byte = 0x27
	CmdDisconnectClient   byte = 0x30
	CmdBye                byte = 0x3d
)

// Commands sent by the adapter once it owns the clock.
const (
	EventWaitTimeout   byte = 0x27
	EventDataAvailable byte = 0x28
	EventDisconnected  byte = 0x29
)

// Wire constants.
const (
	CommandHeader uint16 = 0x9966
	ResponseAck   byte   = 0x80
	DataRequest   uint32 = 0x80000000

	// StillConnecting is the IsFinishedConnect response while the host
	// has not accepted the client yet.
	StillConnecting uint32 = 0x01000000

	SetupMagic uint32 = 0x003c0000
)

// LoginParts is the sequence exchanged during the login handshake.
var LoginParts = [...]uint16{
	0x494e, 0x494e, 0x544e, 0x544e, 0x4e45, 0x4e45, 0x4f44, 0x4f44, 0x8001, 0x8001,
}

// Limits.
const (
	MaxPlayers = 5
	MaxClients = MaxPlayers - 1

	MaxCommandTransferLength = 23
	MaxCommandResponseLength = 30

	// MaxServerTransferBytes is the largest payload a host can send in a
	// single SendData, MaxClientTransferBytes the one of a client.
	MaxServerTransferBytes = 87
	MaxClientTransferBytes = 16

	MaxGameNameLength = 14
	MaxUserNameLength = 8
	MaxGameID         = 0x7fff

	BroadcastLength      = 6
	BroadcastResponseLen = 1 + BroadcastLength
	MaxServers           = MaxCommandResponseLength / BroadcastResponseLen
)

// Timing, in scanlines.
const (
	CommandTimeoutLines = 10
	PingWaitLines       = 50
	// AdapterCommandTimeoutLines bounds how long the adapter may keep the
	// clock before sending its command (one second).
	AdapterCommandTimeoutLines = 60 * 228
)

// State of the adapter session.
type State int

// States.
const (
	NeedsReset State = iota
	Authenticated
	Searching
	Serving
	Connecting
	Connected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case NeedsReset:
		return "needs-reset"
	case Authenticated:
		return "authenticated"
	case Searching:
		return "searching"
	case Serving:
		return "serving"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// IsSessionActive reports whether data can flow.
func (s State) IsSessionActive() bool {
	return s == Serving || s == Connected
}

// BuildCommand encodes a command header word.
func BuildCommand(cmd byte, params int) uint32 {
	return uint32(CommandHeader)<<16 | uint32(params&0xff)<<8 | uint32(cmd)
}

// BuildResponse encodes the header answering a command.
func BuildResponse(cmd byte, responses int) uint32 {
	return uint32(CommandHeader)<<16 | uint32(responses&0xff)<<8 | uint32(cmd+ResponseAck)
}

// ParseHeader splits a header word into its magic, count and type.
func ParseHeader(word uint32) (magic uint16, count int, cmd byte) {
	return uint16(word >> 16), int(word>>8) & 0xff, byte(word)
}
