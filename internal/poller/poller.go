// Package poller wraps epoll into an easy-to-use readiness tracker
// that associates file descriptors with caller-supplied objects and
// returns one ready (key, object) pair per call, the way the capture
// and restore loops need: level-triggered, edge-agnostic, with no
// opinion on what the caller does with a ready object.
package poller

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
)

// Key identifies a registered (fd, object) pair.
type Key int

type slot struct {
	fd  int
	obj interface{}
	// occupied distinguishes a live slot from a free one reachable via
	// freeList; a slab with holes is cheaper to maintain than
	// compacting the backing slice on every remove.
	occupied bool
}

// Poller associates file descriptors with caller objects and reports
// readiness one object at a time.
type Poller struct {
	epollFd int
	slots   []slot
	free    []Key

	pending []unix.EpollEvent
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("epoll_create1: %v", err))
	}
	return &Poller{epollFd: fd}, nil
}

// Close releases the epoll instance. It does not close any registered
// fd; ownership of those remains with the caller.
func (p *Poller) Close() error {
	return unix.Close(p.epollFd)
}

// Len reports how many (fd, object) pairs are currently tracked.
func (p *Poller) Len() int {
	return len(p.slots) - len(p.free)
}

// Add registers fd for the given epoll event mask (e.g.
// unix.EPOLLIN) associated with obj, and returns a key identifying
// the registration.
func (p *Poller) Add(fd int, obj interface{}, events uint32) (Key, error) {
	var key Key
	if n := len(p.free); n > 0 {
		key = p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[key] = slot{fd: fd, obj: obj, occupied: true}
	} else {
		key = Key(len(p.slots))
		p.slots = append(p.slots, slot{fd: fd, obj: obj, occupied: true})
	}

	// The event's data word carries our slab key, not the fd, so
	// readiness lookups don't need to search by fd.
	ev := unix.EpollEvent{Events: events, Fd: int32(key)}
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.free = append(p.free, key)
		p.slots[key] = slot{}
		return 0, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("epoll_ctl(ADD, fd=%d): %v", fd, err))
	}
	return key, nil
}

// Remove unregisters the fd associated with key and returns its
// object. The caller is responsible for closing the fd.
func (p *Poller) Remove(key Key) (interface{}, error) {
	s := p.slots[key]
	if !s.occupied {
		return nil, streamerr.New(streamerr.SystemError, "poller: key %d already removed", key)
	}
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, s.fd, nil); err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("epoll_ctl(DEL, fd=%d): %v", s.fd, err))
	}
	p.slots[key] = slot{}
	p.free = append(p.free, key)
	return s.obj, nil
}

// Poll returns the next ready (key, object) pair, blocking
// indefinitely if none is immediately available. It returns
// (0, nil, false, nil) once no fd remains tracked.
func (p *Poller) Poll(batchCapacity int) (Key, interface{}, bool, error) {
	if p.Len() == 0 {
		return 0, nil, false, nil
	}

	if len(p.pending) == 0 {
		events := make([]unix.EpollEvent, batchCapacity)
		n, err := epollWaitNoIntr(p.epollFd, events)
		if err != nil {
			return 0, nil, false, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("epoll_wait: %v", err))
		}
		if n == 0 {
			return 0, nil, false, streamerr.New(streamerr.SystemError, "epoll_wait returned 0 events with no timeout")
		}
		p.pending = events[:n]
	}

	ev := p.pending[len(p.pending)-1]
	p.pending = p.pending[:len(p.pending)-1]
	key := Key(ev.Fd)
	return key, p.slots[key].obj, true, nil
}

func epollWaitNoIntr(epollFd int, events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(epollFd, events, -1)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
