package imagestore

import (
	"io"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/mmapbuf"
	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
)

// maxLargeChunkSize bounds each mmap-backed chunk of a "large"
// in-memory file. It is deliberately not too large: Drain gifts and
// then unmaps one chunk at a time, so this is the granularity at which
// a file's mappings are released during a consumer drain.
const maxLargeChunkSize = 10 * 1024 * 1024

// MemStore holds files entirely in process memory, keyed by name.
// This is the sole place payload bytes transit user-space memory in
// the engine; every other path moves bytes via kernel splice.
type MemStore struct {
	mu    sync.Mutex
	files map[string]*MemFile
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string]*MemFile)}
}

func (s *MemStore) Create(filename string) (File, error) {
	return newSmallMemFile(), nil
}

func (s *MemStore) Insert(filename string, file File) error {
	f, ok := file.(*MemFile)
	if !ok {
		return streamerr.New(streamerr.SystemError, "imagestore: Insert received a file not created by MemStore")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[filename]; exists {
		return streamerr.New(streamerr.ProtocolViolation, "imagestore: duplicate insert of %q", filename)
	}
	s.files[filename] = f
	return nil
}

// Remove removes and returns the file with the exact name, or
// (nil, false) if no such file exists.
func (s *MemStore) Remove(filename string) (*MemFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[filename]
	if ok {
		delete(s.files, filename)
	}
	return f, ok
}

// RemoveByPrefix removes and returns the first name found with the
// given prefix, or ("", nil, false) if none matches. Which of several
// matches is returned follows Go's unspecified map iteration order;
// the match is deleted before returning, so repeated prefix matches
// never return the same entry twice.
func (s *MemStore) RemoveByPrefix(prefix string) (string, *MemFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.files {
		if strings.HasPrefix(name, prefix) {
			delete(s.files, name)
			return name, f, true
		}
	}
	return "", nil, false
}

// memFileVariant distinguishes the small-vector representation from
// the mmap-chunked one; the transition is one-way, triggered the
// first time a write would overflow one system page.
type memFileVariant int

const (
	variantSmall memFileVariant = iota
	variantLarge
)

// MemFile is either a small owned byte slice or a sequence of
// fixed-capacity mmap-backed chunks.
type MemFile struct {
	variant memFileVariant
	small   []byte
	chunks  []*mmapbuf.Buf
}

func newSmallMemFile() *MemFile {
	return &MemFile{variant: variantSmall}
}

// WriteAllFromPipe reads exactly size bytes from shardPipe, looping
// over writeFromPipe as needed.
func (f *MemFile) WriteAllFromPipe(shardPipe *syspipe.Pipe, size int) error {
	for size > 0 {
		n, err := f.writeFromPipe(shardPipe, size)
		if err != nil {
			return err
		}
		size -= n
	}
	return nil
}

// writeFromPipe writes up to size bytes (possibly fewer, if the
// current chunk fills first) and returns the number actually
// written.
func (f *MemFile) writeFromPipe(shardPipe *syspipe.Pipe, size int) (int, error) {
	f.reserveChunk(size)

	switch f.variant {
	case variantSmall:
		before := len(f.small)
		f.small = append(f.small, make([]byte, size)...)
		if err := readFullFromPipe(shardPipe, f.small[before:]); err != nil {
			return 0, err
		}
		return size, nil
	default:
		chunk := f.chunks[len(f.chunks)-1]
		offset := chunk.Len()
		remaining := chunk.Cap() - offset
		toRead := size
		if toRead > remaining {
			toRead = remaining
		}
		chunk.Resize(offset + toRead)
		if err := readFullFromPipe(shardPipe, chunk.Bytes()[offset:offset+toRead]); err != nil {
			return 0, err
		}
		return toRead, nil
	}
}

func readFullFromPipe(shardPipe *syspipe.Pipe, dst []byte) error {
	if _, err := io.ReadFull(shardPipe.File(), dst); err != nil {
		return streamerr.Wrap(streamerr.UnexpectedEof, xerrors.Errorf("reading %d bytes from shard: %v", len(dst), err))
	}
	return nil
}

// reserveChunk ensures there is room for at least one more byte,
// upgrading a small file to a large one on first page-size overflow.
func (f *MemFile) reserveChunk(sizeHint int) {
	switch f.variant {
	case variantSmall:
		if len(f.small)+sizeHint > syspipe.PageSize {
			f.upgradeToLarge()
		}
	default:
		if len(f.chunks) == 0 || f.chunks[len(f.chunks)-1].Len() >= f.chunks[len(f.chunks)-1].Cap() {
			chunk, err := mmapbuf.WithCapacity(maxLargeChunkSize)
			if err != nil {
				// Mapping a fixed, modest region failing is an
				// unrecoverable host condition; the callers of
				// WriteAllFromPipe have no sensible partial-result
				// path to return into at this depth.
				panic(err)
			}
			f.chunks = append(f.chunks, chunk)
		}
	}
}

func (f *MemFile) upgradeToLarge() {
	chunk, err := mmapbuf.WithCapacity(maxLargeChunkSize)
	if err != nil {
		panic(err)
	}
	chunk.Resize(len(f.small))
	copy(chunk.Bytes(), f.small)
	f.variant = variantLarge
	f.small = nil
	f.chunks = []*mmapbuf.Buf{chunk}
}

// Drain writes the file's full content to dst. A small file is
// written normally; a large file is gift-spliced chunk by chunk so
// its pages never round-trip through a second user-space copy. Each
// chunk is unmapped as soon as its gift completes: the pipe owns the
// gifted pages from then on, so chunks already drained are no longer
// mapped in this process while later chunks are being gifted.
func (f *MemFile) Drain(dst *syspipe.Pipe) error {
	switch f.variant {
	case variantSmall:
		if _, err := dst.File().Write(f.small); err != nil {
			return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("writing small file to pipe: %v", err))
		}
		return nil
	default:
		for i, chunk := range f.chunks {
			if err := dst.VmspliceGift(chunk.Bytes()); err != nil {
				return err
			}
			if err := chunk.Close(); err != nil {
				return err
			}
			f.chunks[i] = nil
		}
		f.chunks = nil
		return nil
	}
}

// Close releases any mmap chunks backing a large file. Safe to call
// on a small file, or after Drain has already unmapped the chunks.
func (f *MemFile) Close() error {
	for _, chunk := range f.chunks {
		if chunk == nil {
			continue
		}
		if err := chunk.Close(); err != nil {
			return err
		}
	}
	f.chunks = nil
	return nil
}
