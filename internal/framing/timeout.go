package framing

import (
	"errors"
	"net"
	"time"
)

// Budget is a mutable microsecond timeout budget. Every blocking framing
// primitive that accepts one decrements it by the elapsed wall-clock time
// before returning, so a caller chaining several reads against the same
// deadline doesn't have to re-derive how much time is left.
type Budget struct {
	Micros uint64
}

// NewBudget creates a budget from a time.Duration. A zero or negative
// duration means "no timeout" and is represented as a nil *Budget by
// convention at call sites.
func NewBudget(d time.Duration) *Budget {
	return &Budget{Micros: uint64(d / time.Microsecond)}
}

// Remaining returns the budget as a time.Duration, or 0 if exhausted.
func (b *Budget) Remaining() time.Duration {
	if b == nil {
		return 0
	}
	return time.Duration(b.Micros) * time.Microsecond
}

// spend deducts elapsed from the budget, floored at zero. Called after
// every blocking operation that consulted the budget for a deadline.
func (b *Budget) spend(elapsed time.Duration) {
	if b == nil {
		return
	}
	us := uint64(elapsed / time.Microsecond)
	if us >= b.Micros {
		b.Micros = 0
	} else {
		b.Micros -= us
	}
}

// withDeadline applies the budget, if any, as a deadline on conn, runs fn,
// then charges the elapsed time back against the budget. If rw isn't a
// net.Conn the budget is still charged (for bookkeeping) but no deadline
// can be enforced at the socket layer; callers relying on enforcement
// should always pass a net.Conn.
func withDeadline(rw interface{}, b *Budget, fn func() error) error {
	conn, isConn := rw.(net.Conn)
	start := time.Now()

	if b != nil && isConn {
		if b.Micros == 0 {
			return ErrTimeout
		}
		deadline := start.Add(b.Remaining())
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	err := fn()
	b.spend(time.Since(start))

	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ErrTimeout
		}
		return err
	}
	return nil
}
