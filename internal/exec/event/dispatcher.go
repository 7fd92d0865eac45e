// Package event implements the single-threaded reactor shared by the
// parent and monitor processes: a generic fd readiness multiplexer with
// asynchronous signal delivery folded in through a self-pipe, matching
// the readiness model in other_examples/d9b25888_srgg-blecli__internal-ptyio-ptyio.go.go
// (unix.Poll over []unix.PollFd) and the self-pipe signal pattern used
// throughout the retrieval pack (e.g. cmd/companion_run.go's
// signal.Notify-fed select loop).
package event

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// StopReason is the terminal state of an event loop: either it broke on
// an error, or it produced a value of type E through SetExit.
type StopReason[E any] struct {
	broke    bool
	breakErr error
	exitVal  E
}

// Broke reports whether the loop stopped via SetBreak, returning the error.
func (s StopReason[E]) Broke() (error, bool) {
	if s.broke {
		return s.breakErr, true
	}
	return nil, false
}

// Exited reports whether the loop stopped via SetExit, returning the value.
func (s StopReason[E]) Exited() (E, bool) {
	var zero E
	if s.broke {
		return zero, false
	}
	return s.exitVal, true
}

// OnSignal is invoked once per delivered signal while the loop runs.
type OnSignal[E any] func(info SignalInfo, d *Dispatcher[E])

// Dispatcher is a single-threaded reactor. It is not safe for concurrent
// use from multiple goroutines except for the internal signal-forwarding
// goroutine it manages itself.
type Dispatcher[E any] struct {
	readCbs  map[int]func()
	writeCbs map[int]func()
	order    []int

	selfPipeR *os.File
	selfPipeW *os.File

	sigMu   sync.Mutex
	pending []SignalInfo

	sigCh   chan os.Signal
	sigStop chan struct{}
	sigGrp  *errgroup.Group

	broke    bool
	breakErr error
	exitSet  bool
	exitVal  E
}

// New creates a dispatcher and its self-pipe. Matching spec.md's "setup
// failures are fatal before the command starts", a failure here is
// returned directly rather than through the loop's StopReason.
func New[E any]() (*Dispatcher[E], error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Dispatcher[E]{
		readCbs:   make(map[int]func()),
		writeCbs:  make(map[int]func()),
		selfPipeR: r,
		selfPipeW: w,
	}, nil
}

func (d *Dispatcher[E]) noteOrder(fd int) {
	for _, f := range d.order {
		if f == fd {
			return
		}
	}
	d.order = append(d.order, fd)
}

// RegisterRead installs cb to run when fd becomes readable. At most one
// read callback exists per fd; re-registering replaces it.
func (d *Dispatcher[E]) RegisterRead(fd int, cb func()) {
	d.readCbs[fd] = cb
	d.noteOrder(fd)
}

// RegisterWrite installs cb to run when fd becomes writable.
func (d *Dispatcher[E]) RegisterWrite(fd int, cb func()) {
	d.writeCbs[fd] = cb
	d.noteOrder(fd)
}

// UnregisterRead removes any read callback for fd.
func (d *Dispatcher[E]) UnregisterRead(fd int) { delete(d.readCbs, fd) }

// UnregisterWrite removes any write callback for fd.
func (d *Dispatcher[E]) UnregisterWrite(fd int) { delete(d.writeCbs, fd) }

// UnregisterHandlers clears every registration and stops the internal
// signal-forwarding goroutine. Callers use this immediately after fork
// (in Go terms: immediately before re-exec'ing the monitor, in the child
// side of the process split) so the new process can install its own.
func (d *Dispatcher[E]) UnregisterHandlers() {
	d.readCbs = make(map[int]func())
	d.writeCbs = make(map[int]func())
	d.order = nil
	d.stopSignals()
}

// SetBreak requests the loop stop with an error. Idempotent: only the
// first call takes effect, matching spec.md's "second call is a no-op".
func (d *Dispatcher[E]) SetBreak(err error) {
	if !d.broke {
		d.broke = true
		d.breakErr = err
	}
}

// GotBreak reports whether SetBreak has already been called.
func (d *Dispatcher[E]) GotBreak() bool { return d.broke }

// SetExit requests the loop stop successfully with value v. Last writer
// wins if called more than once.
func (d *Dispatcher[E]) SetExit(v E) {
	d.exitSet = true
	d.exitVal = v
}

// HandleSignals starts forwarding the given OS signals into the loop as
// SignalInfo events. userSignaled classifies each signal (SIGCHLD is
// kernel-generated, never user-signaled; everything else proxied here is
// treated as user-signaled, consistent with the Go-platform caveat in
// SPEC_FULL.md §3 about Pid not being determinable).
func (d *Dispatcher[E]) HandleSignals(signals ...os.Signal) {
	d.sigCh = make(chan os.Signal, 64)
	d.sigStop = make(chan struct{})
	signal.Notify(d.sigCh, signals...)

	var g errgroup.Group
	d.sigGrp = &g
	g.Go(func() error {
		for {
			select {
			case <-d.sigStop:
				return nil
			case sig, ok := <-d.sigCh:
				if !ok {
					return nil
				}
				s, _ := sig.(syscall.Signal)
				info := SignalInfo{
					Signal:       s,
					Pid:          0,
					UserSignaled: s != syscall.SIGCHLD,
				}
				d.sigMu.Lock()
				d.pending = append(d.pending, info)
				d.sigMu.Unlock()
				// Wake the poller. A single byte is enough; the reader
				// drains the whole pending queue per wakeup.
				_, _ = d.selfPipeW.Write([]byte{0})
			}
		}
	})
}

// stopSignals tells the signal-forwarding goroutine to exit and waits
// for it, via errgroup.Group rather than a bare done-channel, so Close
// winds the goroutine down the same way a multi-worker teardown would.
func (d *Dispatcher[E]) stopSignals() {
	if d.sigCh == nil {
		return
	}
	signal.Stop(d.sigCh)
	close(d.sigStop)
	_ = d.sigGrp.Wait()
	d.sigCh = nil
	d.sigGrp = nil
}

// drainPending pops every queued signal, in arrival order.
func (d *Dispatcher[E]) drainPending() []SignalInfo {
	d.sigMu.Lock()
	defer d.sigMu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	out := d.pending
	d.pending = nil
	return out
}

// EventLoop runs until SetBreak or SetExit is called, dispatching ready
// file descriptors in registration order and delivering signals through
// onSignal as they arrive.
func (d *Dispatcher[E]) EventLoop(onSignal OnSignal[E]) StopReason[E] {
	selfFd := int(d.selfPipeR.Fd())

	for {
		if d.broke {
			return StopReason[E]{broke: true, breakErr: d.breakErr}
		}
		if d.exitSet {
			return StopReason[E]{exitVal: d.exitVal}
		}

		pollFds := make([]unix.PollFd, 0, len(d.order)+1)
		pollFds = append(pollFds, unix.PollFd{Fd: int32(selfFd), Events: unix.POLLIN})
		for _, fd := range d.order {
			var events int16
			if _, ok := d.readCbs[fd]; ok {
				events |= unix.POLLIN
			}
			if _, ok := d.writeCbs[fd]; ok {
				events |= unix.POLLOUT
			}
			if events != 0 {
				pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: events})
			}
		}

		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			d.SetBreak(err)
			continue
		}

		// Drain the self-pipe and dispatch any signals it woke us for.
		if pollFds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			buf := make([]byte, 512)
			for {
				n, rerr := d.selfPipeR.Read(buf)
				if n == 0 || rerr != nil {
					break
				}
				if n < len(buf) {
					break
				}
			}
			for _, info := range d.drainPending() {
				onSignal(info, d)
				if d.broke || d.exitSet {
					break
				}
			}
		}

		if d.broke || d.exitSet {
			continue
		}

		for _, pfd := range pollFds[1:] {
			fd := int(pfd.Fd)
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				if cb, ok := d.readCbs[fd]; ok {
					cb()
				}
			}
			if d.broke || d.exitSet {
				break
			}
			if pfd.Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
				if cb, ok := d.writeCbs[fd]; ok {
					cb()
				}
			}
			if d.broke || d.exitSet {
				break
			}
		}
	}
}

// Close releases the self-pipe and stops signal forwarding. Safe to call
// more than once.
func (d *Dispatcher[E]) Close() {
	d.stopSignals()
	if d.selfPipeR != nil {
		_ = d.selfPipeR.Close()
		d.selfPipeR = nil
	}
	if d.selfPipeW != nil {
		_ = d.selfPipeW.Close()
		d.selfPipeW = nil
	}
}
