package pool

import (
	"os"
	"time"

	"go.uber.org/atomic"

	"github.com/arna-oss/poolcore/internal/poolerr"
	"github.com/arna-oss/poolcore/internal/protocol"
)

// ProcessMetrics is the optional cached OS-level snapshot the metrics
// collector attaches to a handle (spec.md section 3, WorkerHandle
// attributes).
type ProcessMetrics struct {
	CPU           float64
	RSSKb         uint64
	PSSKb         uint64
	PrivateDirty  uint64
	SwapKb        uint64
	VMSizeKb      uint64
	ProcessGroup  int
	CommandLine   string
	CollectedAt   time.Time
}

// WorkerHandle is the bookkeeping record for one live worker process. It is
// exclusively owned by its Group; all field access happens under the owning
// Pool's mutex except Sessions/Processed, which are atomics so the metrics
// collector can read them after dropping the lock (spec.md section 5).
type WorkerHandle struct {
	ID      HandleID
	GroupID GroupID

	PID       int
	CreatedAt time.Time
	LastUsed  time.Time

	Sessions  atomic.Int64
	Processed atomic.Uint64

	Sockets map[protocol.SocketRole]protocol.SocketInfo

	// OwnerPipeFD is the write end of the process's owner pipe, handed to
	// the pool core during spawn_application negotiation (spec.md section
	// 4.1). It is closed when the handle is detached.
	OwnerPipeFD int

	DetachKey       string
	ConnectPassword string
	Gupid           string

	Detached bool

	Metrics *ProcessMetrics

	// inactiveElem links this handle into Pool's inactive LRU list while
	// Sessions == 0. Nil when the handle has at least one active session.
	inactiveElem *handleListElem
}

// MainSocket returns the handle's "main" role socket. Every non-detached
// handle is guaranteed to have one (spec.md section 3 invariant).
func (h *WorkerHandle) MainSocket() (protocol.SocketInfo, bool) {
	s, ok := h.Sockets[protocol.MainSocketRole]
	return s, ok
}

// releaseResources closes the owner pipe and unlinks the handle's
// Unix-domain server sockets, mirroring Process::~Process in the original
// implementation. Both operations are attempted even if the first fails, and
// every failure is preserved rather than dropped, since a detached handle is
// never revisited to retry cleanup.
func (h *WorkerHandle) releaseResources() error {
	var err error
	if h.OwnerPipeFD > 0 {
		if cerr := os.NewFile(uintptr(h.OwnerPipeFD), "owner-pipe").Close(); cerr != nil {
			err = poolerr.Append(err, poolerr.Wrap(poolerr.KindIO, "close owner pipe", cerr))
		}
	}
	for _, s := range h.Sockets {
		if s.Transport != protocol.TransportUnix {
			continue
		}
		if uerr := os.Remove(s.Address); uerr != nil && !os.IsNotExist(uerr) {
			err = poolerr.Append(err, poolerr.Wrap(poolerr.KindIO, "unlink worker socket "+s.Address, uerr))
		}
	}
	return err
}

// handleListElem is a node in the inactive LRU's doubly linked list,
// implemented by hand rather than container/list so that removal given only
// a *WorkerHandle is O(1) without a reverse map.
type handleListElem struct {
	handle     *WorkerHandle
	prev, next *handleListElem
}

// inactiveList is an O(1) insert/remove/evict-oldest LRU of handles with
// Sessions == 0, shared across all groups (spec.md section 3, Pool shared
// state: "an ordered list of inactive workers ... maintained as an LRU").
type inactiveList struct {
	head, tail *handleListElem // head = oldest, tail = newest
	size       int
}

func (l *inactiveList) pushBack(h *WorkerHandle) {
	elem := &handleListElem{handle: h}
	if l.tail == nil {
		l.head, l.tail = elem, elem
	} else {
		elem.prev = l.tail
		l.tail.next = elem
		l.tail = elem
	}
	h.inactiveElem = elem
	l.size++
}

func (l *inactiveList) remove(h *WorkerHandle) {
	elem := h.inactiveElem
	if elem == nil {
		return
	}
	if elem.prev != nil {
		elem.prev.next = elem.next
	} else {
		l.head = elem.next
	}
	if elem.next != nil {
		elem.next.prev = elem.prev
	} else {
		l.tail = elem.prev
	}
	h.inactiveElem = nil
	l.size--
}

// oldest returns the LRU's head (the least-recently-used inactive handle),
// or nil if the list is empty.
func (l *inactiveList) oldest() *WorkerHandle {
	if l.head == nil {
		return nil
	}
	return l.head.handle
}

func (l *inactiveList) all() []*WorkerHandle {
	out := make([]*WorkerHandle, 0, l.size)
	for e := l.head; e != nil; e = e.next {
		out = append(out, e.handle)
	}
	return out
}
