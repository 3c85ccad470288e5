//go:build linux || darwin || freebsd || netbsd || openbsd

package mqttloop

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketPair returns a connected client Socket and the raw peer descriptor
// playing the broker.
func socketPair(t *testing.T) (*Socket, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	sock, err := NewSocket(fds[0])
	require.NoError(t, err)
	t.Cleanup(func() {
		sock.Close()
		unix.Close(fds[1])
	})

	return sock, fds[1]
}

func TestSocket(t *testing.T) {
	t.Run("read would block on empty socket", func(t *testing.T) {
		sock, _ := socketPair(t)

		_, err := sock.Read(make([]byte, 16))
		assert.ErrorIs(t, err, ErrWouldBlock)
	})

	t.Run("write then read through peer", func(t *testing.T) {
		sock, peer := socketPair(t)

		n, err := sock.Write([]byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		buf := make([]byte, 8)
		n, err = unix.Read(peer, buf)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(buf[:n]))

		_, err = unix.Write(peer, []byte("xyz"))
		require.NoError(t, err)

		n, err = sock.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "xyz", string(buf[:n]))
	})

	t.Run("peer close is connection lost", func(t *testing.T) {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		sock, err := NewSocket(fds[0])
		require.NoError(t, err)
		defer sock.Close()

		require.NoError(t, unix.Close(fds[1]))

		_, err = sock.Read(make([]byte, 4))
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.False(t, IsFatal(err))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		sock, _ := socketPair(t)

		require.NoError(t, sock.Close())
		require.NoError(t, sock.Close())
		assert.False(t, sock.Valid())
		assert.Equal(t, -1, sock.Fd())

		_, err := sock.Read(make([]byte, 1))
		assert.ErrorIs(t, err, ErrNotConnected)
		_, err = sock.Write([]byte{1})
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("nil socket", func(t *testing.T) {
		var sock *Socket
		assert.Equal(t, -1, sock.Fd())
		assert.False(t, sock.Valid())
		assert.NoError(t, sock.Close())
	})

	t.Run("negative descriptor", func(t *testing.T) {
		_, err := NewSocket(-1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestDialSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("tcp", func(t *testing.T) {
		ln := echoServer(t)

		sock, err := DialSocket(ctx, "tcp://"+ln.Addr().String(), nil)
		require.NoError(t, err)
		defer sock.Close()

		_, err = sock.Write([]byte("hi"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			buf := make([]byte, 2)
			n, err := sock.Read(buf)
			return err == nil && string(buf[:n]) == "hi"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unix", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broker.sock")
		ln, err := net.Listen("unix", path)
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			conn, err := ln.Accept()
			if err == nil {
				conn.Close()
			}
		}()

		sock, err := DialSocket(ctx, "unix://"+path, nil)
		require.NoError(t, err)
		defer sock.Close()
		assert.True(t, sock.Valid())
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := DialSocket(ctx, "quic://broker:1883", nil)
		assert.ErrorIs(t, err, ErrNotSupported)
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		_, err = DialSocket(ctx, "tcp://"+addr, nil)
		require.Error(t, err)
		assert.False(t, IsFatal(err))
	})
}
