// Package protocol defines the request/response vocabulary spoken on the
// Pool RPC socket (spec.md section 4.6) and the spawn-helper line
// protocol (section 4.3). Both protocols are built out of the array and
// scalar messages in internal/framing; this package only names the verbs,
// argument orderings, and discriminant strings, it does not touch a wire.
package protocol

// Command is an RPC verb sent by a peer to the Pool RPC server.
type Command string

const (
	CmdGet                 Command = "get"
	CmdClose               Command = "close"
	CmdClear               Command = "clear"
	CmdDetach              Command = "detach"
	CmdSetMaxIdleTime      Command = "setMaxIdleTime"
	CmdSetMax              Command = "setMax"
	CmdSetMaxPerApp        Command = "setMaxPerApp"
	CmdGetActive           Command = "getActive"
	CmdGetCount            Command = "getCount"
	CmdGetGlobalQueueSize  Command = "getGlobalQueueSize"
	CmdInspect             Command = "inspect"
	CmdInspectJSON         Command = "inspectJson"
	CmdToXml               Command = "toXml"
	CmdExit                Command = "exit"
	CmdGetEnvironmentVars  Command = "getEnvironmentVariables"
)

// Discriminant strings used as the first element of an RPC response array
// message when the outcome isn't a plain success tuple.
const (
	RespOK               = "ok"
	RespTrue             = "true"
	RespFalse            = "false"
	RespSecurityException = "SecurityException"
	RespSpawnException     = "SpawnException"
	RespBusyException      = "BusyException"
	RespIOException        = "IOException"
	RespPassedSecurity     = "Passed security"
	RespExitReceived       = "exit command received"
)

// SpawnOption is one key/value pair in the ordered option list sent as
// part of a spawn_application request. Order matters: the spawn helper's
// reply is keyed to the order options were sent in some diagnostic modes,
// and the spec mandates a specific trailing order (detach_key,
// connect_password, then the optional pool-account pair), so options are
// carried as an ordered slice rather than a map.
type SpawnOption struct {
	Key   string
	Value string
}

// SpawnOptions is the ordered option list for a spawn_application request,
// excluding the app_root / app_group_name / environment entries and the
// detach key / connect password trailer that SpawnManager appends itself.
type SpawnOptions []SpawnOption

// Get looks up the first value for key, if present.
func (o SpawnOptions) Get(key string) (string, bool) {
	for _, kv := range o {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// HelperCommand is a verb in the SpawnManager <-> spawn-helper line
// protocol (spec.md section 4.3).
type HelperCommand string

const (
	HelperCmdSpawnApplication HelperCommand = "spawn_application"
	HelperCmdReload           HelperCommand = "reload"
)

// SocketRole names a worker's listening socket roles, e.g. "main".
type SocketRole string

const MainSocketRole SocketRole = "main"

// SocketTransport is the transport of a worker socket address.
type SocketTransport string

const (
	TransportUnix SocketTransport = "unix"
	TransportTCP  SocketTransport = "tcp"
)

// SocketInfo describes one of a worker's listening sockets, as reported
// by the spawn helper during a successful spawn.
type SocketInfo struct {
	Role      SocketRole
	Address   string
	Transport SocketTransport
}
