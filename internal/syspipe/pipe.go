// Package syspipe wraps a kernel pipe file descriptor with the
// capacity-control and zero-copy transfer operations the image
// streaming engine needs: FIONREAD, F_SETPIPE_SZ, splice and
// vmsplice(SPLICE_F_GIFT).
package syspipe

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
)

// PageSize is read once at process start, matching the single
// process-wide piece of global state the engine relies on.
var PageSize = os.Getpagesize()

// Pipe is a typed wrapper over a pipe file descriptor. The zero value is
// not usable; construct with Wrap.
type Pipe struct {
	f *os.File
}

// Wrap verifies that fd refers to a FIFO and returns a Pipe owning it.
// The caller must not use fd directly afterwards; Close (via the
// returned Pipe going out of scope, or an explicit Close call) closes
// the descriptor.
func Wrap(fd int) (*Pipe, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, streamerr.Wrap(streamerr.InvalidDescriptor, xerrors.Errorf("fstat fd %d: %v", fd, err))
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFIFO {
		return nil, streamerr.New(streamerr.InvalidDescriptor, "fd %d is not a pipe", fd)
	}
	return &Pipe{f: os.NewFile(uintptr(fd), "pipe")}, nil
}

// Fd returns the underlying descriptor.
func (p *Pipe) Fd() int { return int(p.f.Fd()) }

// File exposes the pipe as an *os.File for callers needing to pass it
// to generic I/O, e.g. poller registration.
func (p *Pipe) File() *os.File { return p.f }

// Close closes the underlying descriptor.
func (p *Pipe) Close() error { return p.f.Close() }

// ReadableBytes returns the number of bytes currently buffered in the
// kernel pipe, via FIONREAD.
func (p *Pipe) ReadableBytes() (int32, error) {
	n, err := unix.IoctlGetInt(p.Fd(), unix.TIOCINQ)
	if err != nil {
		return 0, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("FIONREAD on fd %d: %v", p.Fd(), err))
	}
	return int32(n), nil
}

// SetCapacity is a best-effort fcntl(F_SETPIPE_SZ). Callers that want to
// silently tolerate EPERM should use SetCapacityNoEPERM instead.
func (p *Pipe) SetCapacity(capacity int32) error {
	_, err := unix.FcntlInt(p.f.Fd(), unix.F_SETPIPE_SZ, int(capacity))
	return err
}

// SetCapacityNoEPERM behaves like SetCapacity but swallows EPERM,
// logging a one-time warning instead of failing the caller.
func (p *Pipe) SetCapacityNoEPERM(capacity int32) error {
	err := p.SetCapacity(capacity)
	if err == unix.EPERM {
		warnCapacityEPERM()
		return nil
	}
	return err
}

var epermWarned sync.Once

func warnCapacityEPERM() {
	epermWarned.Do(func() {
		os.Stderr.WriteString("cannot set pipe size as desired (EPERM); continuing with smaller pipe sizes\n")
	})
}

// IncreaseCapacity sets the same capacity on every pipe, halving and
// retrying on EPERM (down to a floor of PageSize), and returns the
// capacity that succeeded for all of them.
func IncreaseCapacity(pipes []*Pipe, maxCapacity int32) (int32, error) {
	capacity := maxCapacity
	for {
		var failed error
		for _, p := range pipes {
			if err := p.SetCapacity(capacity); err != nil {
				failed = err
				break
			}
		}
		if failed == nil {
			return capacity, nil
		}
		if failed != unix.EPERM {
			return 0, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("F_SETPIPE_SZ: %v", failed))
		}
		warnCapacityEPERM()
		if capacity <= int32(PageSize) {
			return 0, streamerr.New(streamerr.SystemError, "cannot set pipe capacity below page size")
		}
		capacity /= 2
	}
}

// SpliceToFile moves exactly n bytes from this pipe to dst with no
// user-space copy, looping over partial transfers.
func (p *Pipe) SpliceToFile(dst *os.File, n int) error {
	toWrite := n
	for toWrite > 0 {
		written, err := unix.Splice(p.Fd(), nil, int(dst.Fd()), nil, toWrite, unix.SPLICE_F_MORE)
		if err != nil {
			return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("splice fd %d -> fd %d: %v", p.Fd(), dst.Fd(), err))
		}
		if written <= 0 {
			return streamerr.Wrap(streamerr.UnexpectedEof, xerrors.Errorf("splice fd %d: reached EOF with %d bytes still expected", p.Fd(), toWrite))
		}
		toWrite -= int(written)
	}
	return nil
}

// VmspliceGift gifts data into this pipe via vmsplice(SPLICE_F_GIFT).
// The caller must guarantee the backing pages are not modified or
// freed until the pipe's reader has consumed them; MmapBuf provides
// this guarantee by deferring munmap until after the gift completes.
func (p *Pipe) VmspliceGift(data []byte) error {
	toWrite := len(data)
	offset := 0
	for toWrite > 0 {
		iov := unix.Iovec{Base: &data[offset]}
		iov.SetLen(toWrite)
		written, err := unix.Vmsplice(p.Fd(), []unix.Iovec{iov}, unix.SPLICE_F_GIFT)
		if err != nil {
			return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("vmsplice fd %d: %v", p.Fd(), err))
		}
		if written <= 0 {
			return streamerr.New(streamerr.SystemError, "vmsplice fd %d returned 0", p.Fd())
		}
		toWrite -= written
		offset += written
	}
	return nil
}

// New creates a fresh OS pipe pair wrapped as Pipes.
func New() (r, w *Pipe, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("pipe(): %v", err))
	}
	r, err = Wrap(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	w, err = Wrap(fds[1])
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, w, nil
}
