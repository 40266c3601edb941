// Command image-streamer captures and restores CRIU image streams,
// multiplexing over shard pipes with zero-copy splice.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"

	"github.com/checkpoint-restore/image-streamer/internal/lifecycle"
	"github.com/checkpoint-restore/image-streamer/internal/orchestrate"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

// progressPrefix is shown before status lines when stderr is not a
// terminal (e.g. piped to a log collector), to keep lines greppable
// without the carriage-return redraws an interactive terminal prefers.
func progressPrefix() string {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return ""
	}
	return "image-streamer: "
}

// bumpRlimitNOFILE raises the open-file limit as high as the kernel
// will allow: a capture or restore session can hold open as many fds
// as there are image files in flight concurrently.
func bumpRlimitNOFILE() error {
	var fileMax, nrOpen uint64
	{
		b, err := ioutil.ReadFile("/proc/sys/fs/file-max")
		if err != nil {
			return err
		}
		fileMax, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	{
		b, err := ioutil.ReadFile("/proc/sys/fs/nr_open")
		if err != nil {
			return err
		}
		nrOpen, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	max := fileMax
	if nrOpen < max {
		max = nrOpen
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Max: max, Cur: max})
}

func parseFDList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var fds []int
	for _, part := range strings.Split(s, ",") {
		fd, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid fd %q: %v", part, err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// parseExtFiles parses a comma separated list of name=fd pairs
// identifying external files whose data, read from the shard stream,
// is written to their own fd instead of the image store.
func parseExtFiles(s string) (map[string]*os.File, error) {
	if s == "" {
		return nil, nil
	}
	files := make(map[string]*os.File)
	for _, part := range strings.Split(s, ",") {
		name, fdStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid ext-file entry %q: want name=fd", part)
		}
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid ext-file fd %q: %v", part, err)
		}
		files[name] = os.NewFile(uintptr(fd), name)
	}
	return files, nil
}

func cmdCapture(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("capture", flag.ExitOnError)
	imagesDir := fset.String("images-dir", "", "directory where capture sockets are bound")
	shardFDs := fset.String("shard-fds", "", "comma separated list of shard pipe file descriptors (defaults to stdout)")
	useGPU := fset.Bool("gpu", false, "accept a GPU-memory producer phase before the CRIU phase")
	fset.Parse(args)

	if *imagesDir == "" {
		return fmt.Errorf("-images-dir is required")
	}
	fds, err := parseFDList(*shardFDs)
	if err != nil {
		return err
	}
	if len(fds) == 0 {
		fds = []int{int(os.Stdout.Fd())}
	}
	pipes, err := orchestrate.ShardFDsToPipes(fds)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%scapturing into %s over %d shard(s)\n", progressPrefix(), *imagesDir, len(pipes))
	return orchestrate.Capture(ctx, *imagesDir, pipes, *useGPU)
}

func cmdExtract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	imagesDir := fset.String("images-dir", "", "directory to extract image files into, or to bind serve sockets under")
	shardFDs := fset.String("shard-fds", "", "comma separated list of shard pipe file descriptors (defaults to stdin)")
	useGPU := fset.Bool("gpu", false, "accept a GPU-memory consumer phase before the CRIU phase")
	serve := fset.Bool("serve", false, "buffer the image in memory and serve it over sockets instead of writing to disk")
	extFiles := fset.String("ext-file", "", "comma separated list of name=fd pairs for files whose data from the shard stream is written to fd instead of the image store")
	fset.Parse(args)

	if *imagesDir == "" {
		return fmt.Errorf("-images-dir is required")
	}
	fds, err := parseFDList(*shardFDs)
	if err != nil {
		return err
	}
	if len(fds) == 0 {
		fds = []int{int(os.Stdin.Fd())}
	}
	pipes, err := orchestrate.ShardFDsToPipes(fds)
	if err != nil {
		return err
	}
	overlay, err := parseExtFiles(*extFiles)
	if err != nil {
		return err
	}

	if *serve {
		return orchestrate.ServeFromMemory(ctx, *imagesDir, pipes, *useGPU, overlay)
	}
	return orchestrate.ExtractToDisk(ctx, *imagesDir, pipes, overlay)
}

func funcmain() error {
	flag.Parse()

	if err := bumpRlimitNOFILE(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: bumping RLIMIT_NOFILE failed: %v\n", err)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"capture": {cmdCapture},
		"extract": {cmdExtract},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "syntax: image-streamer [-flags] <capture|extract> [-flags] <args>\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: image-streamer [-flags] <capture|extract> [-flags] <args>\n")
		os.Exit(2)
	}

	ctx, cancel := lifecycle.WithSignals(context.Background())
	defer cancel()

	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
