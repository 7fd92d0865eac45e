package event

import "syscall"

// SignalInfo describes one asynchronously delivered signal.
//
// Pid is the PID of the process that raised the signal, when known. The
// Go standard library's signal.Notify only reports the signal number, not
// a siginfo_t, so Pid is 0 ("unknown") for every signal observed through
// the real OS signal path; it is still a first-class field so closures
// and their tests can reason about self-terminating signals precisely
// when a Pid is available (synthetic signals injected in tests, or a
// future cgo-backed source).
type SignalInfo struct {
	Signal       syscall.Signal
	Pid          int
	UserSignaled bool
}

// IsUserSignaled reports whether the signal looks like it was raised by
// kill(2) from another process, as opposed to a kernel-generated
// notification such as SIGCHLD.
func (s SignalInfo) IsUserSignaled() bool {
	return s.UserSignaled
}
