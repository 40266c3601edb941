// Package restore implements the restore deserializer: it reassembles
// the shard streams produced by package capture, in sequence-number
// order, into an imagestore.Store, and then serves that store to the
// GPU, CRIU, and daemon consumers over the producer/consumer protocol.
package restore

import (
	"context"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/endpoint"
	"github.com/checkpoint-restore/image-streamer/internal/imagestore"
	"github.com/checkpoint-restore/image-streamer/internal/ordheap"
	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
	"github.com/checkpoint-restore/image-streamer/internal/wire"
)

// CPUPipeDesiredCapacity and GPUPipeDesiredCapacity size, best-effort,
// the pipe a consumer passes in to receive a single served file;
// ShardPipeDesiredCapacity sizes each incoming shard pipe.
const (
	CPUPipeDesiredCapacity   = 1 * 1024 * 1024
	GPUPipeDesiredCapacity   = 16 * 1024 * 1024
	ShardPipeDesiredCapacity = 8 * 1024 * 1024
)

// shard tracks one reassembly input stream plus transfer bookkeeping;
// its transfer duration is surfaced to callers through Durations once
// DrainAll completes.
type shard struct {
	pipe             *syspipe.Pipe
	label            string
	bytesRead        uint64
	transferDuration time.Duration
}

// pendingMarker pairs a decoded marker with the shard it arrived on,
// ordered for reassembly by sequence number (lowest seq sorts to the
// top of the max-heap via a negated comparator).
type pendingMarker struct {
	marker *wire.Marker
	shard  *shard
}

func pendingMarkerLess(a, b interface{}) bool {
	pa, pb := a.(*pendingMarker), b.(*pendingMarker)
	return pa.marker.Seq > pb.marker.Seq
}

// Deserializer reassembles the shard streams into an imagestore.Store.
// Shards move between three collections as reassembly proceeds:
// unknown (not yet known to be readable), readable (known to have a
// marker ready), and pending (the marker has been read and is
// awaiting its turn in sequence order).
type Deserializer struct {
	store imagestore.Store

	unknown  []*shard
	readable []*shard
	pending  *ordheap.Heap // of *pendingMarker

	seq uint64

	currentFilename string
	haveCurrent     bool
	currentFile     imagestore.File
	openFiles       map[string]imagestore.File

	imageEOF bool

	startTime time.Time

	// durations accumulates shard transfer durations keyed by a
	// caller-assigned shard label, for diagnostics after DrainAll.
	durations map[string]time.Duration
}

// NewDeserializer constructs a Deserializer over shardPipes (each
// already sized to ShardPipeDesiredCapacity by the caller), writing
// reassembled files into store.
func NewDeserializer(store imagestore.Store, shardPipes []*syspipe.Pipe) *Deserializer {
	shards := make([]*shard, len(shardPipes))
	for i, p := range shardPipes {
		shards[i] = &shard{pipe: p, label: shardLabel(i)}
	}
	return &Deserializer{
		store:     store,
		unknown:   shards,
		readable:  make([]*shard, 0, len(shards)),
		pending:   ordheap.New(pendingMarkerLess),
		openFiles: make(map[string]imagestore.File),
		startTime: time.Now(),
		durations: make(map[string]time.Duration),
	}
}

// Durations returns the elapsed time from the deserializer's
// construction to each shard's EOF, keyed by the shard's
// index-derived label.
func (d *Deserializer) Durations() map[string]time.Duration {
	return d.durations
}

func (d *Deserializer) markShardEOF(s *shard) {
	s.transferDuration = time.Since(d.startTime)
	d.durations[s.label] = s.transferDuration
}

func shardLabel(idx int) string {
	return "shard-" + strconv.Itoa(idx)
}

func (d *Deserializer) selectImageFile(filename string) error {
	if d.haveCurrent {
		d.openFiles[d.currentFilename] = d.currentFile
		d.haveCurrent = false
	}

	f, ok := d.openFiles[filename]
	if ok {
		delete(d.openFiles, filename)
	} else {
		var err error
		f, err = d.store.Create(filename)
		if err != nil {
			return err
		}
	}

	d.currentFilename = filename
	d.currentFile = f
	d.haveCurrent = true
	return nil
}

func (d *Deserializer) processMarker(m *wire.Marker, s *shard) error {
	switch m.Kind {
	case wire.KindFilename:
		return d.selectImageFile(m.Filename)

	case wire.KindFileData:
		if !d.haveCurrent {
			return streamerr.New(streamerr.SequenceViolation, "FileData marker with no selected image file")
		}
		if err := d.currentFile.WriteAllFromPipe(s.pipe, int(m.Size)); err != nil {
			return err
		}
		s.bytesRead += uint64(m.Size)
		return nil

	case wire.KindFileEof:
		if !d.haveCurrent {
			return streamerr.New(streamerr.SequenceViolation, "FileEof marker with no selected image file")
		}
		filename, f := d.currentFilename, d.currentFile
		d.haveCurrent = false
		return d.store.Insert(filename, f)

	case wire.KindImageEof:
		if len(d.openFiles) != 0 || d.haveCurrent || d.pending.Len() != 0 {
			return streamerr.New(streamerr.SequenceViolation, "ImageEof marker came unexpectedly")
		}
		d.imageEOF = true
		return nil

	default:
		return streamerr.New(streamerr.MalformedFrame, "unrecognized marker kind %v", m.Kind)
	}
}

func (d *Deserializer) nextInOrderMarker() *pendingMarker {
	if d.pending.Len() == 0 {
		return nil
	}
	top := d.pending.Peek().(*pendingMarker)
	if top.marker.Seq != d.seq {
		return nil
	}
	return d.pending.Pop().(*pendingMarker)
}

func (d *Deserializer) processPendingMarkers() error {
	for {
		pm := d.nextInOrderMarker()
		if pm == nil {
			return nil
		}
		if err := d.processMarker(pm.marker, pm.shard); err != nil {
			return err
		}
		d.seq++
		d.unknown = append(d.unknown, pm.shard)
	}
}

// drainShard reads exactly one marker from s (or detects its EOF),
// then feeds the read/write side of the reassembly heap.
func (d *Deserializer) drainShard(s *shard) error {
	m, err := wire.ReadMarker(s.pipe.File())
	if err != nil {
		return err
	}
	if m == nil {
		d.markShardEOF(s)
		return nil
	}
	if d.imageEOF {
		return streamerr.New(streamerr.SequenceViolation, "unexpected data after image EOF")
	}
	d.pending.Push(&pendingMarker{marker: m, shard: s})
	return d.processPendingMarkers()
}

// nextReadableShard returns the next shard known to have data ready,
// polling the not-yet-known shards if the readable set has run dry.
// With a single remaining shard, it is returned unconditionally
// rather than polled: a blocking read on it waits for exactly what
// poll() would, and with only one shard left there is no other shard
// whose backlog could stall capture.
func (d *Deserializer) nextReadableShard() (*shard, error) {
	if len(d.readable) == 0 {
		if len(d.unknown) == 0 {
			return nil, nil
		}
		if len(d.unknown) == 1 {
			s := d.unknown[0]
			d.unknown = d.unknown[:0]
			return s, nil
		}

		pollFds := make([]unix.PollFd, len(d.unknown))
		for i, s := range d.unknown {
			pollFds[i] = unix.PollFd{Fd: int32(s.pipe.Fd()), Events: unix.POLLIN}
		}
		if _, err := unix.Poll(pollFds, -1); err != nil {
			return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("poll: %v", err))
		}

		remaining := make([]*shard, 0, len(d.unknown))
		for i, s := range d.unknown {
			if pollFds[i].Revents != 0 {
				d.readable = append(d.readable, s)
			} else {
				remaining = append(remaining, s)
			}
		}
		d.unknown = remaining
	}

	n := len(d.readable)
	s := d.readable[n-1]
	d.readable = d.readable[:n-1]
	return s, nil
}

// DrainAll runs the main reassembly loop to completion: it repeatedly
// picks a readable shard, reads and processes one marker from it, and
// stops once every shard has reached EOF. It requires that the image
// EOF marker has been seen.
func (d *Deserializer) DrainAll() error {
	for {
		s, err := d.nextReadableShard()
		if err != nil {
			return err
		}
		if s == nil {
			break
		}
		if err := d.drainShard(s); err != nil {
			return err
		}
	}
	if !d.imageEOF {
		return streamerr.New(streamerr.SequenceViolation, "no shards left to read from before image EOF")
	}
	return nil
}

// DrainShardsIntoStore runs the deserializer to completion against a
// fresh overlay wrapping store, suitable when the data of some
// filenames, still read from the shards, must go to externally
// supplied files rather than into store. overlay
// maps those filenames to the already-open files that should receive
// their data instead of store; it may be nil or empty when no name is
// externally supplied.
func DrainShardsIntoStore(store imagestore.Store, shardPipes []*syspipe.Pipe, overlay map[string]*os.File) (*Deserializer, error) {
	for _, p := range shardPipes {
		_ = p.SetCapacityNoEPERM(ShardPipeDesiredCapacity)
	}
	ov := imagestore.NewOverlayStore(store)
	for filename, file := range overlay {
		ov.AddOverlay(filename, file)
	}
	d := NewDeserializer(ov, shardPipes)
	if err := d.DrainAll(); err != nil {
		return nil, err
	}
	return d, nil
}

// ExtractToDisk reassembles the shard streams into imagesDir, writing
// each file as a regular file via atomic rename-on-finalize. Names
// present in overlay are written to their mapped file instead.
func ExtractToDisk(imagesDir string, shardPipes []*syspipe.Pipe, overlay map[string]*os.File) error {
	store := imagestore.NewFSStore(imagesDir)
	_, err := DrainShardsIntoStore(store, shardPipes, overlay)
	return err
}

// ServeFromMemory reassembles the shard streams into an in-memory
// store, then serves that store to the daemon, GPU, and CRIU
// consumers in turn over the producer/consumer protocol, each
// consumer's connection processed to EOF before accepting the next.
// ctx is consulted only between consumer phases; the request loops
// themselves are EOF-driven. Names present in overlay are written to
// their mapped file instead of the in-memory store.
func ServeFromMemory(ctx context.Context, shardPipes []*syspipe.Pipe, daemonListener, gpuListener, criuListener *endpoint.Listener, overlay map[string]*os.File) error {
	mem := imagestore.NewMemStore()
	if _, err := DrainShardsIntoStore(mem, shardPipes, overlay); err != nil {
		return err
	}
	return serveMemStore(ctx, mem, daemonListener, gpuListener, criuListener)
}

func serveMemStore(ctx context.Context, mem *imagestore.MemStore, daemonListener, gpuListener, criuListener *endpoint.Listener) error {
	sent := make(map[string]bool)

	daemon, err := daemonListener.Accept()
	if err != nil {
		return err
	}
	if err := serveExactRequests(daemon, mem, sent, CPUPipeDesiredCapacity); err != nil {
		return xerrors.Errorf("serving daemon: %v", err)
	}
	if err := daemon.Close(); err != nil {
		return err
	}

	if gpuListener != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		gpu, err := gpuListener.Accept()
		if err != nil {
			return err
		}
		if err := servePrefixRequests(gpu, mem, sent, GPUPipeDesiredCapacity); err != nil {
			return xerrors.Errorf("serving gpu: %v", err)
		}
		if err := gpu.Close(); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	criu, err := criuListener.Accept()
	if err != nil {
		return err
	}
	if err := serveExactRequests(criu, mem, sent, CPUPipeDesiredCapacity); err != nil {
		return xerrors.Errorf("serving criu: %v", err)
	}
	return criu.Close()
}

func serveExactRequests(conn *endpoint.Connection, mem *imagestore.MemStore, sent map[string]bool, pipeCapacity int32) error {
	for {
		filename, more, err := conn.ReadNextRequest()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		f, ok := mem.Remove(filename)
		if !ok {
			if sent[filename] {
				return streamerr.New(streamerr.SequenceViolation, "file %q requested more than once", filename)
			}
			if err := conn.SendReply(false); err != nil {
				return err
			}
			continue
		}
		sent[filename] = true
		if err := conn.SendReply(true); err != nil {
			return err
		}
		if err := serveFile(conn, f, pipeCapacity); err != nil {
			return xerrors.Errorf("serving file %q: %v", filename, err)
		}
	}
}

func servePrefixRequests(conn *endpoint.Connection, mem *imagestore.MemStore, sent map[string]bool, pipeCapacity int32) error {
	for {
		prefix, more, err := conn.ReadNextRequest()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		filename, f, ok := mem.RemoveByPrefix(prefix)
		if !ok {
			if sent[prefix] {
				return streamerr.New(streamerr.SequenceViolation, "file prefix %q requested more than once", prefix)
			}
			if err := conn.SendReply(false); err != nil {
				return err
			}
			continue
		}
		sent[filename] = true
		if err := conn.SendReply(true); err != nil {
			return err
		}
		if err := serveFile(conn, f, pipeCapacity); err != nil {
			return xerrors.Errorf("serving file prefix %q: %v", prefix, err)
		}
	}
}

func serveFile(conn *endpoint.Connection, f *imagestore.MemFile, pipeCapacity int32) error {
	fd, err := conn.RecvFd()
	if err != nil {
		return err
	}
	pipe, err := syspipe.Wrap(fd)
	if err != nil {
		return err
	}
	defer pipe.Close()
	defer f.Close()
	_ = pipe.SetCapacityNoEPERM(pipeCapacity)
	return f.Drain(pipe)
}
