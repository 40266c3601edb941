// Package imagestore implements the filename → file container that
// the restore deserializer populates and that consumers query: a
// filesystem-backed store, an in-memory store, and an overlay store
// that routes a fixed set of names to caller-supplied files while
// delegating everything else to an underlying store.
package imagestore

import (
	"os"

	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
)

// File is anything the deserializer can splice shard payload into.
type File interface {
	// WriteAllFromPipe reads exactly size bytes from shardPipe into the
	// file, looping internally if one write only accepts part of size
	// (as the in-memory store's chunk boundaries require).
	WriteAllFromPipe(shardPipe *syspipe.Pipe, size int) error
}

// Store is a filename → File container with a two-step file
// lifecycle: the deserializer calls Create on the first Filename
// marker for a name, writes payload into the returned File across
// possibly many FileData markers, then calls Insert on FileEof.
type Store interface {
	Create(filename string) (File, error)
	Insert(filename string, file File) error
}

// chmodDefault is the permission new on-disk image files are created
// with.
const chmodDefault = os.FileMode(0o644)
