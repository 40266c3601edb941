package imagestore

import (
	"os"
	"sync"

	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
)

// OverlayStore routes a fixed set of names to caller-supplied files
// (external files: their data still arrives through the shard
// stream, but is spliced into the supplied file instead of a store
// file) while delegating every other name to an underlying Store.
type OverlayStore struct {
	underlying Store

	mu        sync.Mutex
	overlayed map[string]*os.File
}

// NewOverlayStore wraps underlying, routing names later added via
// AddOverlay to the supplied files instead of underlying.
func NewOverlayStore(underlying Store) *OverlayStore {
	return &OverlayStore{underlying: underlying, overlayed: make(map[string]*os.File)}
}

// AddOverlay registers filename to be routed to file instead of the
// underlying store, the next time Create is called for that name.
func (s *OverlayStore) AddOverlay(filename string, file *os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlayed[filename] = file
}

func (s *OverlayStore) Create(filename string) (File, error) {
	s.mu.Lock()
	f, ok := s.overlayed[filename]
	if ok {
		delete(s.overlayed, filename)
	}
	s.mu.Unlock()

	if ok {
		return &overlayFile{overlayed: f}, nil
	}
	underlying, err := s.underlying.Create(filename)
	if err != nil {
		return nil, err
	}
	return &overlayFile{underlying: underlying}, nil
}

func (s *OverlayStore) Insert(filename string, file File) error {
	f, ok := file.(*overlayFile)
	if !ok {
		return streamerr.New(streamerr.SystemError, "imagestore: Insert received a file not created by this store")
	}
	if f.overlayed != nil {
		return nil
	}
	return s.underlying.Insert(filename, f.underlying)
}

type overlayFile struct {
	overlayed  *os.File
	underlying File
}

func (f *overlayFile) WriteAllFromPipe(shardPipe *syspipe.Pipe, size int) error {
	if f.overlayed != nil {
		return shardPipe.SpliceToFile(f.overlayed, size)
	}
	return f.underlying.WriteAllFromPipe(shardPipe, size)
}
