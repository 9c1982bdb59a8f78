package gate

import "syscall"

// Verdict is the gate's decision for one intercepted operation.
type Verdict int

const (
	// VerdictDefer lets default filesystem handling proceed; the gate has
	// no opinion.
	VerdictDefer Verdict = iota
	// VerdictDeny fails the operation with Decision.Errno.
	VerdictDeny
	// VerdictAllow lets the operation proceed after a successful
	// provider round trip.
	VerdictAllow
)

func (v Verdict) String() string {
	switch v {
	case VerdictDeny:
		return "deny"
	case VerdictAllow:
		return "allow"
	default:
		return "defer"
	}
}

// Decision pairs a verdict with the errno reported on deny.
type Decision struct {
	Verdict Verdict
	Errno   syscall.Errno
}

var (
	// Defer is the dominant decision for ordinary I/O.
	Defer = Decision{Verdict: VerdictDefer}
	// Allow proceeds after hydration.
	Allow = Decision{Verdict: VerdictAllow}
)

// Deny fails the operation with the given errno. EAGAIN marks a
// retryable failure, distinct from a hard EACCES permission deny.
func Deny(errno syscall.Errno) Decision {
	return Decision{Verdict: VerdictDeny, Errno: errno}
}
