package protocol

import "time"

// GetOptions is the input to Pool.Get / the RPC "get" command. It mirrors
// the "options" argument of spec.md section 4.5/4.6: which application to
// dispatch to, and a handful of per-call policy knobs.
type GetOptions struct {
	AppGroupName string
	AppRoot      string
	Environment  string

	// UseGlobalQueue opts this caller into the pool-wide FIFO instead of
	// being dispatched to the least-loaded busy worker when its group is
	// saturated (spec.md section 4.4, selectProcess).
	UseGlobalQueue bool

	// Raw carries additional application-specific spawn options (e.g.
	// interpreter flags, environment overrides) that the core does not
	// interpret itself but forwards verbatim to the spawn helper as part
	// of the spawn_application option list.
	Raw SpawnOptions
}

// GroupKey returns the canonical group name this request dispatches to.
func (o GetOptions) GroupKey() string {
	if o.AppGroupName != "" {
		return o.AppGroupName
	}
	return o.AppRoot
}

// SpawnResult is what a successful spawn_application exchange with the
// spawn helper yields: the worker's identity and its socket list, plus the
// owner-pipe fd (kept open for the lifetime of the worker; closing it is
// what asks the worker to exit).
type SpawnResult struct {
	AppRoot        string
	PID            int
	Sockets        []SocketInfo
	OwnerPipeFD    int
	SpawnStartedAt time.Time
}

// MainSocket returns the socket info tagged with the "main" role, which
// spec.md requires to always be present in a successful spawn result.
func (s SpawnResult) MainSocket() (SocketInfo, bool) {
	for _, sock := range s.Sockets {
		if sock.Role == MainSocketRole {
			return sock, true
		}
	}
	return SocketInfo{}, false
}

// SpawnError carries the optional user-visible HTML error page a failed
// spawn_application may come with (spec.md section 4.3/4.6).
type SpawnError struct {
	Message     string
	HasErrorPage bool
	ErrorPage    []byte
}

func (e *SpawnError) Error() string { return e.Message }
