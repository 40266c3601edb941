// Package capture implements the capture serializer: a
// single-threaded, poller-driven multiplexer that moves data from
// many producer pipes to a few shard pipes via zero-copy splice,
// emitting a self-describing chunked format.
package capture

import (
	"context"
	"log"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/endpoint"
	"github.com/checkpoint-restore/image-streamer/internal/ordheap"
	"github.com/checkpoint-restore/image-streamer/internal/poller"
	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
	"github.com/checkpoint-restore/image-streamer/internal/wire"
)

// Desired pipe capacities. GPU memory dumps are far larger than CRIU
// image files, so the GPU phase runs with much bigger pipes.
const (
	CPUPipeDesiredCapacity      = 4 * 1024 * 1024
	GPUPipeDesiredCapacity      = 16 * 1024 * 1024
	CPUShardPipeDesiredCapacity = 2 * 1024 * 1024
	GPUShardPipeDesiredCapacity = 16 * 1024 * 1024

	shardsPerPipe = 8

	epollBatchCapacity = 8
)

// shard pairs an outgoing pipe with the bookkeeping the max-heap
// selection needs: a lower-bound estimate of remaining pipe space and
// a running total of bytes written.
type shard struct {
	pipe           *syspipe.Pipe
	remainingSpace int32
	bytesWritten   uint64
}

func shardLess(a, b interface{}) bool {
	sa, sb := a.(*shard), b.(*shard)
	if sa.remainingSpace != sb.remainingSpace {
		return sa.remainingSpace < sb.remainingSpace
	}
	return sa.pipe.Fd() < sb.pipe.Fd()
}

// producerFile is one in-flight named file arriving from a producer.
type producerFile struct {
	pipe     *syspipe.Pipe
	filename string
}

// Serializer drives shard selection, marker emission, and payload
// splicing for one capture run.
type Serializer struct {
	shards            *ordheap.Heap
	shardPipeCapacity int32
	seq               uint64
	currentFilename   string
	haveCurrent       bool
}

// NewSerializer constructs a Serializer over the given shard pipes,
// already sized to shardPipeCapacity.
func NewSerializer(shardPipes []*syspipe.Pipe, shardPipeCapacity int32) *Serializer {
	if len(shardPipes) == 0 {
		panic("capture: at least one shard is required")
	}
	h := ordheap.New(shardLess)
	for _, p := range shardPipes {
		h.Push(&shard{pipe: p})
	}
	return &Serializer{shards: h, shardPipeCapacity: shardPipeCapacity}
}

// Resize sets a new capacity on every shard pipe, best-effort, e.g.
// dropping from the GPU capacity to the CPU capacity once the GPU
// phase has finished.
func (s *Serializer) Resize(newCapacity int32) {
	for _, item := range s.shards.All() {
		sh := item.(*shard)
		if err := sh.pipe.SetCapacityNoEPERM(newCapacity); err != nil {
			log.Printf("capture: resizing shard fd %d to %d: %v", sh.pipe.Fd(), newCapacity, err)
		}
	}
}

func (s *Serializer) refreshAllRemainingSpace() error {
	for _, item := range s.shards.All() {
		sh := item.(*shard)
		n, err := sh.pipe.ReadableBytes()
		if err != nil {
			return err
		}
		sh.remainingSpace = s.shardPipeCapacity - n
	}
	s.shards.Rebuild()
	return nil
}

func (s *Serializer) genMarker(kind wire.Kind) wire.Marker {
	seq := s.seq
	s.seq++
	return wire.Marker{Seq: seq, Kind: kind}
}

// chunkMaxDataSize bounds a single FileData payload so that writes
// stay large enough to amortize marker overhead but small enough to
// keep load-balancing responsive.
func (s *Serializer) chunkMaxDataSize() int32 {
	max := s.shardPipeCapacity/shardsPerPipe - int32(syspipe.PageSize)
	if max < int32(syspipe.PageSize) {
		max = int32(syspipe.PageSize)
	}
	return max
}

// writeMarker picks the shard with the most remaining space (refreshing
// all shards' estimates first if the current best looks insufficient),
// writes the marker, splices payloadSize bytes from src if non-zero,
// and updates the chosen shard's bookkeeping.
func (s *Serializer) writeMarker(m wire.Marker, src *syspipe.Pipe, payloadSize int32) error {
	spaceRequired := int32(syspipe.PageSize) + payloadSize

	top := s.shards.Peek().(*shard)
	if top.remainingSpace < spaceRequired {
		if err := s.refreshAllRemainingSpace(); err != nil {
			return err
		}
	}

	chosen := s.shards.Peek().(*shard)
	markerSize, err := wire.WriteMarker(chosen.pipe.File(), m)
	if err != nil {
		return err
	}
	if payloadSize > 0 {
		if err := src.SpliceToFile(chosen.pipe.File(), int(payloadSize)); err != nil {
			return err
		}
	}
	chosen.bytesWritten += uint64(markerSize) + uint64(payloadSize)
	chosen.remainingSpace -= spaceRequired
	s.shards.Rebuild()
	return nil
}

func (s *Serializer) maybeWriteFilenameMarker(filename string) error {
	if s.haveCurrent && s.currentFilename == filename {
		return nil
	}
	s.haveCurrent = true
	s.currentFilename = filename
	m := s.genMarker(wire.KindFilename)
	m.Filename = filename
	return s.writeMarker(m, nil, 0)
}

// DrainProducerFile is called when the poller reports readability on
// a producer file's pipe. It returns false once that file's pipe has
// reached EOF (after emitting FileEof), true otherwise.
func (s *Serializer) DrainProducerFile(f *producerFile) (bool, error) {
	readable, err := f.pipe.ReadableBytes()
	if err != nil {
		return false, err
	}
	isEOF := readable == 0

	if err := s.maybeWriteFilenameMarker(f.filename); err != nil {
		return false, err
	}

	for readable > 0 {
		dataSize := readable
		if max := s.chunkMaxDataSize(); dataSize > max {
			dataSize = max
		}
		m := s.genMarker(wire.KindFileData)
		m.Size = uint32(dataSize)
		if err := s.writeMarker(m, f.pipe, dataSize); err != nil {
			return false, err
		}
		readable -= dataSize
	}

	if isEOF {
		if err := s.writeMarker(s.genMarker(wire.KindFileEof), nil, 0); err != nil {
			return false, err
		}
	}
	return !isEOF, nil
}

// WriteImageEof emits the terminal ImageEof marker. Must be called
// exactly once, after every phase has completed.
func (s *Serializer) WriteImageEof() error {
	return s.writeMarker(s.genMarker(wire.KindImageEof), nil, 0)
}

// pollObj is what capture's poller associates with each registered
// fd: either the phase's endpoint connection or an in-flight producer
// file.
type pollObj struct {
	conn     *endpoint.Connection
	producer *producerFile
}

// RunPhase drives one accept-then-poll-to-exhaustion phase: accept a
// single connection on ln, then alternate between reading file
// requests from it (registering each newly-received pipe with the
// poller) and draining already-registered producer files, until the
// poller has nothing left to track. Each received producer pipe is
// sized to producerPipeCapacity, best-effort.
func RunPhase(s *Serializer, p *poller.Poller, ln *endpoint.Listener, producerPipeCapacity int32) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}

	if _, err := p.Add(conn.Fd(), &pollObj{conn: conn}, unix.EPOLLIN); err != nil {
		return err
	}

	for {
		key, obj, ok, err := p.Poll(epollBatchCapacity)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		o := obj.(*pollObj)

		switch {
		case o.conn != nil:
			filename, more, err := o.conn.ReadNextRequest()
			if err != nil {
				return err
			}
			if !more {
				if _, err := p.Remove(key); err != nil {
					return err
				}
				if err := conn.Close(); err != nil {
					return err
				}
				continue
			}
			fd, err := o.conn.RecvFd()
			if err != nil {
				return err
			}
			pipe, err := syspipe.Wrap(fd)
			if err != nil {
				return err
			}
			_ = pipe.SetCapacityNoEPERM(producerPipeCapacity)
			pf := &producerFile{pipe: pipe, filename: filename}
			if _, err := p.Add(pipe.Fd(), &pollObj{producer: pf}, unix.EPOLLIN); err != nil {
				return err
			}

		case o.producer != nil:
			more, err := s.DrainProducerFile(o.producer)
			if err != nil {
				return err
			}
			if !more {
				if _, err := p.Remove(key); err != nil {
					return err
				}
				if err := o.producer.pipe.Close(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// SetCapacityOfShardPipes is the increase_capacity entry point used
// before the first phase starts: best-effort-with-retry sizing of
// every shard pipe to the same capacity.
func SetCapacityOfShardPipes(pipes []*syspipe.Pipe, desired int32) (int32, error) {
	capacity, err := syspipe.IncreaseCapacity(pipes, desired)
	if err != nil {
		return 0, xerrors.Errorf("sizing shard pipes: %v", err)
	}
	return capacity, nil
}

// Run executes a full capture session: size the shard pipes for the
// GPU phase (if present) or the CPU phase otherwise, then drive the
// GPU, CRIU, and daemon phases in sequence, resizing the shard pipes
// down to CPU capacity between the GPU and CRIU phases, and finally
// emit the terminal ImageEof marker. ctx is consulted only between
// phases; the poll/splice loops themselves are EOF-driven.
//
// gpuListener is nil when the capture has no GPU-memory producer.
func Run(ctx context.Context, shardPipes []*syspipe.Pipe, gpuListener, criuListener, daemonListener *endpoint.Listener) error {
	initialCapacity := int32(CPUShardPipeDesiredCapacity)
	if gpuListener != nil {
		initialCapacity = GPUShardPipeDesiredCapacity
	}
	capacity, err := SetCapacityOfShardPipes(shardPipes, initialCapacity)
	if err != nil {
		return err
	}

	s := NewSerializer(shardPipes, capacity)

	p, err := poller.New()
	if err != nil {
		return err
	}
	defer p.Close()

	if gpuListener != nil {
		if err := RunPhase(s, p, gpuListener, GPUPipeDesiredCapacity); err != nil {
			return xerrors.Errorf("gpu phase: %v", err)
		}
		s.Resize(CPUShardPipeDesiredCapacity)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := RunPhase(s, p, criuListener, CPUPipeDesiredCapacity); err != nil {
		return xerrors.Errorf("criu phase: %v", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := RunPhase(s, p, daemonListener, CPUPipeDesiredCapacity); err != nil {
		return xerrors.Errorf("daemon phase: %v", err)
	}

	return s.WriteImageEof()
}
