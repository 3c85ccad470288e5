//go:build linux || darwin || freebsd || netbsd || openbsd

package mqttloop

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

const maxWakeDrain = 512

// WakeChannel is a connected pair of local sockets used only to interrupt a
// blocked wait. The loop polls the read end; producers write single bytes to
// the write end.
type WakeChannel struct {
	mu     sync.RWMutex
	readFd int
	wrFd   int
}

// NewWakeChannel creates a non-blocking socket pair.
func NewWakeChannel() (*WakeChannel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, NewOSError("socketpair", err)
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, NewOSError("setnonblock", err)
		}
	}

	return &WakeChannel{readFd: fds[0], wrFd: fds[1]}, nil
}

// ReadFd returns the end the loop waits on, -1 once closed.
func (w *WakeChannel) ReadFd() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.readFd
}

// Signal writes one byte. A full socket buffer already guarantees a pending
// wake-up, so EAGAIN is not an error.
func (w *WakeChannel) Signal() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.wrFd < 0 {
		return ErrClientClosed
	}

	_, err := unix.Write(w.wrFd, []byte{0})
	if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
		return NewOSError("write", err)
	}
	return nil
}

// Drain reads up to n bytes. Absence of data is not an error.
func (w *WakeChannel) Drain(n int) int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.readFd < 0 || n < 1 {
		return 0
	}

	buf := make([]byte, n)
	got, err := unix.Read(w.readFd, buf)
	if err != nil || got < 0 {
		return 0
	}
	return got
}

// DrainPending reads exactly the bytes currently queued on the read end,
// at least one.
func (w *WakeChannel) DrainPending() int {
	n := 1
	if fd := w.ReadFd(); fd >= 0 {
		if pending, err := unix.IoctlGetInt(fd, ioctlPendingBytes); err == nil && pending > 1 {
			n = min(pending, maxWakeDrain)
		}
	}
	return w.Drain(n)
}

// Close closes both ends.
func (w *WakeChannel) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.readFd >= 0 {
		errs = append(errs, unix.Close(w.readFd))
		w.readFd = -1
	}
	if w.wrFd >= 0 {
		errs = append(errs, unix.Close(w.wrFd))
		w.wrFd = -1
	}
	return errors.Join(errs...)
}
