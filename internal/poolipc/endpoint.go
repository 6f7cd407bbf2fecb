package poolipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/eenlars/alive-sub006/internal/poolcodec"
)

// SocketDirMode is the permission bits the parent creates each worker's
// socket directory with: root-only.
const SocketDirMode = 0o700

// ConnectTimeout bounds how long a child waits to connect to its socket
// before giving up.
const ConnectTimeout = 5 * time.Second

// Listener is the parent side of one worker's IPC channel: it owns the
// Unix-domain socket the child connects to.
type Listener struct {
	path string
	ln   *net.UnixListener
}

// NewListener creates socketPath's parent directory with SocketDirMode,
// removes any stale socket file left behind by a crashed predecessor, and
// starts listening. The socket directory is root-owned; the child must
// connect before it drops privileges.
func NewListener(socketPath string) (*Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, SocketDirMode); err != nil {
		return nil, fmt.Errorf("poolipc: create socket dir %s: %w", dir, err)
	}
	if err := os.Chmod(dir, SocketDirMode); err != nil {
		return nil, fmt.Errorf("poolipc: chmod socket dir %s: %w", dir, err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("poolipc: remove stale socket %s: %w", socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("poolipc: resolve socket addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("poolipc: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, SocketDirMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("poolipc: chmod socket %s: %w", socketPath, err)
	}

	return &Listener{path: socketPath, ln: ln}, nil
}

// Path returns the Unix-domain socket path this listener was created for.
func (l *Listener) Path() string { return l.path }

// Accept blocks until the worker connects or ctx is done, whichever comes
// first, and returns a framed Conn wrapping the accepted connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.ln.SetDeadline(deadline)
	} else {
		_ = l.ln.SetDeadline(time.Time{})
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		c, err := l.ln.Accept()
		resultCh <- acceptResult{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("poolipc: accept on %s: %w", l.path, r.err)
		}
		return newConn(r.conn), nil
	}
}

// DetachClose stops accepting but leaves the socket file on disk. Used
// once the worker has connected: the pool keeps the file as the on-disk
// record of a live worker and removes it itself when the handle dies.
func (l *Listener) DetachClose() error {
	l.ln.SetUnlinkOnClose(false)
	return l.ln.Close()
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		if err == nil {
			err = rmErr
		}
	}
	return err
}

// Connect is the child side: it dials socketPath with ConnectTimeout,
// returning an error if the parent hasn't started listening in time.
// This must succeed before the worker drops privileges, since the socket
// directory is root-only.
func Connect(ctx context.Context, socketPath string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("poolipc: connect to %s: %w", socketPath, err)
	}
	return newConn(conn), nil
}

// Conn is a framed duplex channel over one worker's Unix-domain socket.
// It is direction-agnostic: the parent uses it to send ToWorker messages
// and receive FromWorker messages, and the child does the reverse. Typing
// which side is which is the caller's responsibility via SendJSON/ReadFrame.
type Conn struct {
	raw          net.Conn
	enc          *poolcodec.Encoder
	dec          *poolcodec.Decoder
	pending      []json.RawMessage
	readBuf      []byte
	onParseError func(error)
}

func newConn(raw net.Conn) *Conn {
	return &Conn{
		raw:     raw,
		enc:     poolcodec.NewEncoder(raw),
		dec:     poolcodec.NewDecoder(),
		readBuf: make([]byte, 64*1024),
	}
}

// OnParseError registers a callback invoked for every non-fatal malformed
// frame the connection receives (log and drop; the peer is untrusted).
// Replaces any previously registered handler.
func (c *Conn) OnParseError(fn func(error)) {
	c.onParseError = fn
}

// SendJSON marshals v (a ToWorker or FromWorker value) as one newline-framed
// message.
func (c *Conn) SendJSON(v json.Marshaler) error {
	return c.enc.Encode(v)
}

// ReadFrame blocks until one complete frame is available, ctx is done, or
// the connection is closed. Malformed frames are skipped (each is reported
// through the OnParseError callback) without tearing down the connection;
// only ErrFrameTooLarge is fatal.
func (c *Conn) ReadFrame(ctx context.Context) (json.RawMessage, error) {
	// Wake a blocked Read once ctx is done, even when ctx has no deadline.
	stop := context.AfterFunc(ctx, func() { _ = c.raw.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		if len(c.pending) > 0 {
			frame := c.pending[0]
			c.pending = c.pending[1:]
			return frame, nil
		}

		// A ctx without a deadline yields the zero time, which clears any
		// deadline an earlier call left on the connection.
		deadline, _ := ctx.Deadline()
		_ = c.raw.SetReadDeadline(deadline)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("poolipc: read: %w", err)
		}

		n, err := c.raw.Read(c.readBuf)
		if n > 0 {
			msgs, parseErrs, fatal := c.dec.Feed(c.readBuf[:n])
			if c.onParseError != nil {
				for _, perr := range parseErrs {
					c.onParseError(perr)
				}
			}
			if fatal != nil {
				return nil, fmt.Errorf("poolipc: frame error on %v: %w", c.raw.RemoteAddr(), fatal)
			}
			if len(msgs) > 0 {
				c.pending = msgs
				continue
			}
		}
		if err != nil {
			return nil, fmt.Errorf("poolipc: read: %w", err)
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// WriteRaw writes bytes directly to the underlying connection, bypassing
// framing. Exposed for tests that need to inject malformed frames; regular
// callers should use SendJSON.
func (c *Conn) WriteRaw(b []byte) error {
	_, err := c.raw.Write(b)
	return err
}
