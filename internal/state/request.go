package state

import "context"

// Request is the read-request flag of one sensor family. Its trigger
// is the only caller of [Request.Post] and its sampler the only caller
// of [Request.Take], so the bit is edge-triggered by construction even
// though it lives in the shared register.
//
// Requests coalesce: posting while a request is already pending is a
// no-op, and a request posted while the sampler is mid-cycle stays
// pending for the next cycle because the sampler takes it on wake, not
// after the cycle.
type Request struct {
	reg   *Register
	bit   Flags
	index int
}

// NewRequest binds the read-request bit of family index to reg.
func NewRequest(reg *Register, index int) Request {
	return Request{reg: reg, bit: ReadRequested(index), index: index}
}

// Bit returns the flag this request occupies in the register.
func (q Request) Bit() Flags {
	return q.bit
}

// Index returns the family index the request was created for.
func (q Request) Index() int {
	return q.index
}

// Post raises the request. It never blocks and reports whether an
// earlier request was still pending, in which case the two coalesce.
func (q Request) Post() (coalesced bool) {
	if q.reg == nil {
		usageError("post")
		return false
	}
	return q.reg.testAndSet(q.bit)
}

// Take clears the request and reports whether it was pending.
func (q Request) Take() bool {
	if q.reg == nil {
		usageError("take")
		return false
	}
	return q.reg.testAndClear(q.bit)
}

// Await blocks until the request is pending and every flag in also is
// set, then returns the observed flags. The request is not taken.
func (q Request) Await(ctx context.Context, also Flags) (Flags, error) {
	return q.reg.Wait(ctx, q.bit|also, All, Forever)
}
