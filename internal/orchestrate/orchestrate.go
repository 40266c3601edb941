// Package orchestrate wires the socket endpoints, shard pipes, and
// image store together for the three top-level operations the
// image-streamer command exposes: Capture, ExtractToDisk, and
// ServeFromMemory.
package orchestrate

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/capture"
	"github.com/checkpoint-restore/image-streamer/internal/endpoint"
	"github.com/checkpoint-restore/image-streamer/internal/restore"
	"github.com/checkpoint-restore/image-streamer/internal/syspipe"
)

// Socket file names bound under the images directory, one per
// producer/consumer role. Capture and restore use distinct, fixed
// names so an external CRIU/cedana process can dial the right socket
// for the phase it's in.
const (
	CaptureCRIUSocketName = "streamer-capture.sock"
	CaptureGPUSocketName  = "gpu-capture.sock"
	CaptureCEDSocketName  = "ced-capture.sock"

	ServeCRIUSocketName = "streamer-serve.sock"
	ServeGPUSocketName  = "gpu-serve.sock"
	ServeCEDSocketName  = "ced-serve.sock"
)

// ShardFDsToPipes wraps a list of already-open shard file descriptors
// as Pipes, validating each is a FIFO.
func ShardFDsToPipes(fds []int) ([]*syspipe.Pipe, error) {
	pipes := make([]*syspipe.Pipe, 0, len(fds))
	for _, fd := range fds {
		p, err := syspipe.Wrap(fd)
		if err != nil {
			for _, opened := range pipes {
				opened.Close()
			}
			return nil, xerrors.Errorf("wrapping shard fd %d: %v", fd, err)
		}
		pipes = append(pipes, p)
	}
	return pipes, nil
}

// bindSockets binds the daemon and CRIU sockets under the given names,
// plus the GPU socket when useGPU is set, concurrently: each is an
// independent bind(2) against its own path, so there is no ordering
// dependency between them.
func bindSockets(imagesDir string, criuName, gpuName, daemonName string, useGPU bool) (gpu, criu, daemon *endpoint.Listener, err error) {
	var g errgroup.Group
	g.Go(func() error {
		l, err := endpoint.Bind(imagesDir, criuName)
		criu = l
		return err
	})
	g.Go(func() error {
		l, err := endpoint.Bind(imagesDir, daemonName)
		daemon = l
		return err
	})
	if useGPU {
		g.Go(func() error {
			l, err := endpoint.Bind(imagesDir, gpuName)
			gpu = l
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return gpu, criu, daemon, nil
}

// Capture binds the capture-role CRIU and daemon sockets (and the GPU
// socket, if useGPU is set) under imagesDir, then drives a full
// capture session over shardPipes.
func Capture(ctx context.Context, imagesDir string, shardPipes []*syspipe.Pipe, useGPU bool) error {
	gpuListener, criuListener, daemonListener, err := bindSockets(imagesDir, CaptureCRIUSocketName, CaptureGPUSocketName, CaptureCEDSocketName, useGPU)
	if err != nil {
		return err
	}
	return capture.Run(ctx, shardPipes, gpuListener, criuListener, daemonListener)
}

// ExtractToDisk reassembles shardPipes directly into regular files
// under imagesDir, with no producer/consumer socket involved. Names
// present in overlay are written to their mapped file instead of a
// new file under imagesDir; their data is still read from the shards.
func ExtractToDisk(ctx context.Context, imagesDir string, shardPipes []*syspipe.Pipe, overlay map[string]*os.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return xerrors.Errorf("creating images dir %s: %v", imagesDir, err)
	}
	return restore.ExtractToDisk(imagesDir, shardPipes, overlay)
}

// ServeFromMemory reassembles shardPipes into an in-memory store, then
// serves that store to the daemon, GPU (if useGPU is set), and CRIU
// consumers over the serve-role sockets bound under imagesDir. Names
// present in overlay are written to their mapped file instead of the
// in-memory store.
func ServeFromMemory(ctx context.Context, imagesDir string, shardPipes []*syspipe.Pipe, useGPU bool, overlay map[string]*os.File) error {
	gpuListener, criuListener, daemonListener, err := bindSockets(imagesDir, ServeCRIUSocketName, ServeGPUSocketName, ServeCEDSocketName, useGPU)
	if err != nil {
		return err
	}
	return restore.ServeFromMemory(ctx, shardPipes, daemonListener, gpuListener, criuListener, overlay)
}
