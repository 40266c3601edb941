// Package endpoint implements the producer/consumer protocol over
// UNIX domain sockets: a length-prefixed filename request/reply
// exchange plus SCM_RIGHTS file-descriptor passing of the pipe that
// carries the actual payload.
package endpoint

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/checkpoint-restore/image-streamer/internal/streamerr"
)

// maxFrameLen mirrors the chunked codec's sanity cap; a request frame
// carries one filename and a reply frame one byte, both far below this
// ceiling, so reusing it catches corruption early.
const maxFrameLen = 10 * 1024

// socketMode makes the socket reachable by sibling processes started
// under a different uid, matching the image directory's permissive
// layout.
const socketMode = 0o666

// Listener binds a single UNIX stream socket and accepts exactly one
// connection, matching the single-producer/consumer-per-role model:
// there is no need for more than one endpoint connection per phase.
type Listener struct {
	ln   *net.UnixListener
	path string
}

// Bind removes any pre-existing socket at imagesDir/socketName, then
// binds a fresh listener there with world-readable/writable
// permissions.
func Bind(imagesDir, socketName string) (*Listener, error) {
	path := filepath.Join(imagesDir, socketName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("removing stale socket %s: %v", path, err))
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("binding socket %s: %v", path, err))
	}
	if err := os.Chmod(path, socketMode); err != nil {
		ln.Close()
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("chmod socket %s: %v", path, err))
	}
	return &Listener{ln: ln, path: path}, nil
}

// Accept blocks for one connection and then closes the listener;
// there is only ever one connection per bound socket.
func (l *Listener) Accept() (*Connection, error) {
	defer l.ln.Close()
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("accept on %s: %v", l.path, err))
	}
	return newConnection(conn)
}

// Close closes the listener without accepting, releasing the bound
// socket path.
func (l *Listener) Close() error { return l.ln.Close() }

// Connection is an accepted endpoint socket, used by either side of
// the producer/consumer protocol.
type Connection struct {
	conn *net.UnixConn
	fd   int
}

func newConnection(conn *net.UnixConn) (*Connection, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("SyscallConn: %v", err))
	}
	c := &Connection{conn: conn}
	if err := raw.Control(func(fd uintptr) {
		c.fd = int(fd)
	}); err != nil {
		return nil, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("raw control: %v", err))
	}
	return c, nil
}

// Fd returns the underlying socket descriptor, e.g. for poller
// registration. The descriptor remains owned by the connection; it is
// valid until Close.
func (c *Connection) Fd() int { return c.fd }

// Close closes the connection.
func (c *Connection) Close() error { return c.conn.Close() }

// ReadNextRequest reads the next filename request frame. It returns
// ("", false, nil) at a clean socket-level EOF: the client closing
// its end of the socket is the end-of-requests terminator, not a
// sentinel filename value.
func (c *Connection) ReadNextRequest() (string, bool, error) {
	name, err := readFrame(c.conn)
	if err != nil {
		if err == io.EOF {
			return "", false, nil
		}
		return "", false, err
	}
	return string(name), true, nil
}

// SendRequest writes a filename request frame.
func (c *Connection) SendRequest(filename string) error {
	return writeFrame(c.conn, []byte(filename))
}

// SendReply writes an {exists: bool} reply frame, one byte on the
// wire (0x00 or 0x01).
func (c *Connection) SendReply(exists bool) error {
	b := []byte{0}
	if exists {
		b[0] = 1
	}
	return writeFrame(c.conn, b)
}

// ReadReply reads an {exists: bool} reply frame.
func (c *Connection) ReadReply() (bool, error) {
	b, err := readFrame(c.conn)
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		return false, streamerr.New(streamerr.MalformedFrame, "reply frame has %d bytes, want 1", len(b))
	}
	return b[0] != 0, nil
}

// SendFd sends fd as a single SCM_RIGHTS ancillary message with one
// dummy data byte, blocking until the socket can take it.
func (c *Connection) SendFd(fd int) error {
	rights := unix.UnixRights(fd)
	raw, err := c.conn.SyscallConn()
	if err != nil {
		return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("SyscallConn: %v", err))
	}
	var sendErr error
	// The socket is non-blocking under the runtime poller; raw.Write
	// re-waits for writability whenever the callback reports EAGAIN.
	if err := raw.Write(func(sockFd uintptr) bool {
		sendErr = unix.Sendmsg(int(sockFd), []byte{0}, rights, nil, 0)
		return sendErr != unix.EAGAIN
	}); err != nil {
		return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("raw write: %v", err))
	}
	if sendErr != nil {
		return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("sendmsg SCM_RIGHTS: %v", sendErr))
	}
	return nil
}

// RecvFd receives exactly one file descriptor passed via SCM_RIGHTS,
// blocking until the ancillary message arrives.
func (c *Connection) RecvFd() (int, error) {
	raw, err := c.conn.SyscallConn()
	if err != nil {
		return -1, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("SyscallConn: %v", err))
	}

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error
	// raw.Read waits for readability and retries while the callback
	// reports EAGAIN, so the fd message need not have arrived yet.
	if err := raw.Read(func(sockFd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(sockFd), buf, oob, 0)
		return recvErr != unix.EAGAIN
	}); err != nil {
		return -1, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("raw read: %v", err))
	}
	if recvErr != nil {
		return -1, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("recvmsg: %v", recvErr))
	}
	if n == 0 {
		return -1, streamerr.New(streamerr.ProtocolViolation, "recvmsg returned no data while expecting an fd")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("parsing control message: %v", err))
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) == 1 {
			return fds[0], nil
		}
	}
	return -1, streamerr.New(streamerr.ProtocolViolation, "no SCM_RIGHTS fd received")
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, streamerr.Wrap(streamerr.MalformedFrame, xerrors.Errorf("reading frame header: %v", err))
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length > maxFrameLen {
		return nil, streamerr.New(streamerr.MalformedFrame, "frame length %d exceeds sanity cap %d", length, maxFrameLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, streamerr.Wrap(streamerr.MalformedFrame, xerrors.Errorf("reading frame body: %v", err))
	}
	return body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameLen {
		return streamerr.New(streamerr.MalformedFrame, "frame body %d bytes exceeds sanity cap %d", len(body), maxFrameLen)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("writing frame header: %v", err))
	}
	if _, err := w.Write(body); err != nil {
		return streamerr.Wrap(streamerr.SystemError, xerrors.Errorf("writing frame body: %v", err))
	}
	return nil
}
