//go:build linux || darwin || freebsd || netbsd || openbsd

package mqttloop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket owns a non-blocking transport descriptor.
type Socket struct {
	fd atomic.Int64
}

// NewSocket takes ownership of fd and switches it to non-blocking mode.
func NewSocket(fd int) (*Socket, error) {
	if fd < 0 {
		return nil, ErrInvalidArgument
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, NewOSError("setnonblock", err)
	}
	unix.CloseOnExec(fd)
	// Fails on non-TCP descriptors; harmless.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	s := &Socket{}
	s.fd.Store(int64(fd))
	return s, nil
}

// Fd returns the descriptor, -1 once closed.
func (s *Socket) Fd() int {
	if s == nil {
		return -1
	}
	return int(s.fd.Load())
}

// Valid reports whether the socket is open.
func (s *Socket) Valid() bool { return s.Fd() >= 0 }

// Read reads available bytes. EAGAIN maps to ErrWouldBlock, EOF to
// ErrConnectionLost.
func (s *Socket) Read(p []byte) (int, error) {
	fd := s.Fd()
	if fd < 0 {
		return 0, ErrNotConnected
	}

	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == nil && n == 0 && len(p) > 0:
			return 0, ErrConnectionLost
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, ErrWouldBlock
		default:
			return 0, NewOSError("read", err)
		}
	}
}

// Write writes as much of p as the socket accepts. EAGAIN maps to
// ErrWouldBlock.
func (s *Socket) Write(p []byte) (int, error) {
	fd := s.Fd()
	if fd < 0 {
		return 0, ErrNotConnected
	}

	for {
		n, err := unix.Write(fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, ErrWouldBlock
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
			return 0, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		default:
			return 0, NewOSError("write", err)
		}
	}
}

// Close closes the descriptor once.
func (s *Socket) Close() error {
	if s == nil {
		return nil
	}
	fd := s.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	return unix.Close(int(fd))
}

// DialSocket connects to a broker address and returns the connection as a
// non-blocking Socket. Supported schemes are tcp, mqtt and unix; pd may be
// nil for a direct connection.
func DialSocket(ctx context.Context, address string, pd *ProxyDialer) (*Socket, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %w", ErrInvalidArgument, err)
	}

	var conn net.Conn
	dialer := &net.Dialer{}

	switch u.Scheme {
	case "tcp", "mqtt":
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "1883")
		}
		if pd != nil {
			conn, err = pd.DialContext(ctx, "tcp", host)
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", host)
		}
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Host + u.Path
		}
		conn, err = dialer.DialContext(ctx, "unix", path)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNotSupported, u.Scheme)
	}

	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return detachSocket(conn)
}

// detachSocket duplicates the descriptor behind conn and closes conn. The
// runtime poller keeps ownership of the original descriptor.
func detachSocket(conn net.Conn) (*Socket, error) {
	defer conn.Close()

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no descriptor", ErrNotSupported, conn)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, NewOSError("syscallconn", err)
	}

	dupFd := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return nil, NewOSError("control", err)
	}
	if dupErr != nil {
		return nil, NewOSError("dup", dupErr)
	}

	sock, err := NewSocket(dupFd)
	if err != nil {
		unix.Close(dupFd)
		return nil, err
	}
	return sock, nil
}
