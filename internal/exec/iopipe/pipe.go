// Package iopipe implements the directional, fixed-capacity byte relay
// used to proxy PTY I/O between two file descriptors without blocking
// the event dispatcher (spec.md §4.C). The buffering and registration
// style mirrors other_examples/d9b25888_srgg-blecli__internal-ptyio-ptyio.go.go's
// ring-buffer async PTY wrapper.
package iopipe

import (
	"errors"
	"io"
	"syscall"

	"ptysudo.dev/ptyrun/internal/exec/event"
)

// DefaultCapacity is the byte buffer size used when none is configured,
// matching a single PTY driver flush in practice.
const DefaultCapacity = 64 * 1024

// Pipe relays bytes read from r to w, buffering up to capacity bytes
// in between so a slow writer never blocks the dispatcher thread.
// R and W are the file-like types the pipe proxies between (normally
// *os.File on both ends, but kept generic so tests can substitute any
// io.Reader/io.Writer that also exposes Fd()); E is the exit-value type
// of the event.Dispatcher the pipe registers itself against.
type Pipe[E any, R FdReader, W FdWriter] struct {
	r R
	w W

	buf      []byte
	readPos  int
	writePos int

	readEOF bool
}

// FdReader is an io.Reader backed by a real file descriptor.
type FdReader interface {
	io.Reader
	Fd() uintptr
}

// FdWriter is an io.Writer backed by a real file descriptor.
type FdWriter interface {
	io.Writer
	Fd() uintptr
}

// New creates a pipe from r to w with the given buffer capacity. A
// capacity of 0 selects DefaultCapacity.
func New[E any, R FdReader, W FdWriter](r R, w W, capacity int) *Pipe[E, R, W] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipe[E, R, W]{r: r, w: w, buf: make([]byte, capacity)}
}

func (p *Pipe[E, R, W]) pending() int { return p.writePos - p.readPos }
func (p *Pipe[E, R, W]) room() int    { return len(p.buf) - p.writePos }

// Done reports whether the pipe has read EOF and flushed everything
// it buffered.
func (p *Pipe[E, R, W]) Done() bool { return p.readEOF && p.pending() == 0 }

// Register installs this pipe's read/write callbacks on d under readFd
// and writeFd (the same Fd() values backing r and w), registering the
// write side only while there is buffered data to flush and the read
// side only while there is room to buffer more — avoiding needless
// wakeups, the same discipline the ring-buffer pack example uses.
func (p *Pipe[E, R, W]) Register(d *event.Dispatcher[E], readFd, writeFd int) {
	p.rearm(d, readFd, writeFd)
}

func (p *Pipe[E, R, W]) rearm(d *event.Dispatcher[E], readFd, writeFd int) {
	if p.readEOF || p.room() == 0 {
		d.UnregisterRead(readFd)
	} else {
		d.RegisterRead(readFd, func() { p.onReadable(d, readFd, writeFd) })
	}
	if p.pending() == 0 {
		d.UnregisterWrite(writeFd)
	} else {
		d.RegisterWrite(writeFd, func() { p.onWritable(d, readFd, writeFd) })
	}
}

func (p *Pipe[E, R, W]) compact() {
	if p.readPos == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.readPos:p.writePos])
	p.readPos = 0
	p.writePos = n
}

func (p *Pipe[E, R, W]) onReadable(d *event.Dispatcher[E], readFd, writeFd int) {
	p.compact()
	n, err := p.r.Read(p.buf[p.writePos:])
	if n > 0 {
		p.writePos += n
	}
	if err != nil {
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			p.rearm(d, readFd, writeFd)
			return
		}
		if err == io.EOF {
			p.readEOF = true
		} else {
			d.SetBreak(err)
			return
		}
	}
	p.rearm(d, readFd, writeFd)
}

func (p *Pipe[E, R, W]) onWritable(d *event.Dispatcher[E], readFd, writeFd int) {
	n, err := p.w.Write(p.buf[p.readPos:p.writePos])
	if n > 0 {
		p.readPos += n
	}
	if err != nil {
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			p.rearm(d, readFd, writeFd)
			return
		}
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EIO) {
			// Writer end gone (e.g. the user's terminal detached); the
			// pipe itself isn't fatal, it just stops flushing.
			p.readEOF = true
			p.writePos = p.readPos
			p.rearm(d, readFd, writeFd)
			return
		}
		d.SetBreak(err)
		return
	}
	p.rearm(d, readFd, writeFd)
}
