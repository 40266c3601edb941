package restore

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/checkpoint-restore/image-streamer/internal/endpoint"
	"github.com/checkpoint-restore/image-streamer/internal/imagestore"
)

// consumerConn is a test-side client for the producer/consumer
// protocol: framed requests out, framed replies in, plus SCM_RIGHTS
// fd passing of the pipe that receives the file content.
type consumerConn struct {
	conn *net.UnixConn
}

func dialConsumer(t *testing.T, path string) *consumerConn {
	t.Helper()
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &consumerConn{conn: conn}
}

func (c *consumerConn) request(t *testing.T, filename string) bool {
	t.Helper()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(filename)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := c.conn.Write([]byte(filename)); err != nil {
		t.Fatal(err)
	}

	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		t.Fatal(err)
	}
	body := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(c.conn, body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 1 {
		t.Fatalf("reply frame has %d bytes, want 1", len(body))
	}
	return body[0] != 0
}

func (c *consumerConn) sendFd(t *testing.T, fd int) {
	t.Helper()
	raw, err := c.conn.SyscallConn()
	if err != nil {
		t.Fatal(err)
	}
	var sendErr error
	if err := raw.Control(func(sockFd uintptr) {
		sendErr = unix.Sendmsg(int(sockFd), []byte{0}, unix.UnixRights(fd), nil, 0)
	}); err != nil {
		t.Fatal(err)
	}
	if sendErr != nil {
		t.Fatal(sendErr)
	}
}

func commitMemFile(t *testing.T, mem *imagestore.MemStore, name string, data []byte) {
	t.Helper()
	f, err := mem.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	r, w := mustPipe(t)
	done := make(chan error, 1)
	go func() {
		_, err := w.File().Write(data)
		w.Close()
		done <- err
	}()
	if err := f.WriteAllFromPipe(r, len(data)); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := mem.Insert(name, f); err != nil {
		t.Fatal(err)
	}
}

func TestServeMemStoreDaemonAndCRIUPhases(t *testing.T) {
	dir := t.TempDir()
	daemonLn, err := endpoint.Bind(dir, "ced-serve.sock")
	if err != nil {
		t.Fatal(err)
	}
	criuLn, err := endpoint.Bind(dir, "streamer-serve.sock")
	if err != nil {
		t.Fatal(err)
	}

	mem := imagestore.NewMemStore()
	payload := []byte("hello world")
	commitMemFile(t, mem, "file.img", payload)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- serveMemStore(context.Background(), mem, daemonLn, nil, criuLn)
	}()

	daemon := dialConsumer(t, filepath.Join(dir, "ced-serve.sock"))

	// A file that was never captured: reply says it does not exist.
	if exists := daemon.request(t, "no-file.img"); exists {
		t.Fatal(`reply for "no-file.img" = exists, want does-not-exist`)
	}

	if exists := daemon.request(t, "file.img"); !exists {
		t.Fatal(`reply for "file.img" = does-not-exist, want exists`)
	}
	pipeR, pipeW := mustPipe(t)
	daemon.sendFd(t, pipeW.Fd())
	pipeW.Close()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(pipeR.File(), got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("served content = %q, want %q", got, payload)
	}
	daemon.conn.Close()

	// The CRIU consumer has nothing to ask for; closing its request
	// stream ends the phase and the serve loop.
	criu := dialConsumer(t, filepath.Join(dir, "streamer-serve.sock"))
	criu.conn.Close()

	if err := <-serveDone; err != nil {
		t.Fatal(err)
	}
}
