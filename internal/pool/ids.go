package pool

import "go.uber.org/atomic"

// HandleID and GroupID are stable arena keys. Per the cyclic-reference
// design note (spec.md section 9), a WorkerHandle never points back to its
// Group through a pointer; it carries a GroupID and the Pool resolves it
// through its own arena. This turns the handle/group ownership graph into a
// tree rooted at Pool.
type HandleID uint64

// GroupID identifies a Group for the lifetime of that group (a restarted
// group gets a fresh id; nothing outside Pool is expected to outlive a
// restart).
type GroupID uint64

var (
	nextHandleID atomic.Uint64
	nextGroupID  atomic.Uint64
)

func newHandleID() HandleID { return HandleID(nextHandleID.Inc()) }
func newGroupID() GroupID   { return GroupID(nextGroupID.Inc()) }
