// Package mmapbuf provides a fixed-capacity anonymous-mapped byte
// buffer: semantically a []byte with a capacity ceiling, backed by a
// region that is safe to gift into a pipe via vmsplice. Unlike a
// slice grown by the Go allocator, the pages backing an MmapBuf are
// never recycled by the garbage collector, so gifting them to the
// kernel (which then owns the pages until the reader consumes them)
// cannot race a reallocation.
package mmapbuf

import (
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
)

// Buf is a resizable byte buffer bounded by a fixed capacity set at
// construction. The zero value is not usable; construct with
// WithCapacity. Close releases the mapping (later calls are no-ops);
// a Buf whose bytes are being gift-spliced into a pipe must not be
// closed until that vmsplice has completed.
type Buf struct {
	mu       sync.Mutex
	mem      []byte // len == capacity, the raw mapping
	length   int    // logical length, <= capacity
	released bool
}

// WithCapacity maps a new anonymous region of the given capacity.
func WithCapacity(capacity int) (*Buf, error) {
	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("mmap(%d): %v", capacity, err))
	}
	return &Buf{mem: mem}, nil
}

// Resize sets the logical length; it must not exceed the capacity
// fixed at construction.
func (b *Buf) Resize(length int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if length > len(b.mem) {
		panic("mmapbuf: Resize beyond capacity")
	}
	b.length = length
}

// Len returns the current logical length.
func (b *Buf) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Cap returns the fixed capacity.
func (b *Buf) Cap() int { return len(b.mem) }

// Bytes returns the logical (length-bounded) slice of the buffer.
// The slice aliases the mapping; it is invalid after Close.
func (b *Buf) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem[:b.length]
}

// Close releases the mapping via munmap. Calling it while a
// vmsplice-gift of this buffer's bytes is still in flight is a bug in
// the caller; the gift must have completed first.
func (b *Buf) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true
	if err := unix.Munmap(b.mem); err != nil {
		return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("munmap: %v", err))
	}
	return nil
}
