package imagestore

import (
	"path/filepath"

	"github.com/google/renameio/v2"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
)

// FSStore writes each file straight to disk under imagesDir via
// zero-copy splice. Create opens a pending file next to the final
// path; Insert finalizes it with an atomic rename so a crash
// mid-extract never leaves a half-written file visible under its
// final name.
type FSStore struct {
	imagesDir string
}

// NewFSStore returns a Store backed by imagesDir.
func NewFSStore(imagesDir string) *FSStore {
	return &FSStore{imagesDir: imagesDir}
}

func (s *FSStore) Create(filename string) (File, error) {
	fullPath := filepath.Join(s.imagesDir, filename)
	pending, err := renameio.NewPendingFile(fullPath, renameio.WithPermissions(chmodDefault))
	if err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("creating %s: %v", fullPath, err))
	}
	return &fsFile{pending: pending}, nil
}

// Insert finalizes the file by renaming it into place. The File
// passed in must be the one Create returned for this name.
func (s *FSStore) Insert(filename string, file File) error {
	f, ok := file.(*fsFile)
	if !ok {
		return streamerr.New(streamerr.SystemError, "imagestore: Insert received a file not created by this store")
	}
	if err := f.pending.CloseAtomicallyReplace(); err != nil {
		return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("finalizing %s: %v", filename, err))
	}
	return nil
}

type fsFile struct {
	pending *renameio.PendingFile
}

func (f *fsFile) WriteAllFromPipe(shardPipe *syspipe.Pipe, size int) error {
	return shardPipe.SpliceToFile(f.pending.File, size)
}
