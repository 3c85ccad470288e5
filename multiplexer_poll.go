//go:build linux || darwin || freebsd || netbsd || openbsd

package mqttloop

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// PollMultiplexer implements Multiplexer with poll(2).
type PollMultiplexer struct{}

// NewPollMultiplexer creates a poll(2) based multiplexer.
func NewPollMultiplexer() *PollMultiplexer {
	return &PollMultiplexer{}
}

// Wait polls the set. Descriptors with neither interest and negative
// descriptors are skipped.
func (p *PollMultiplexer) Wait(set []Interest, timeout time.Duration) (*Readiness, error) {
	pfds := make([]unix.PollFd, 0, len(set))
	for _, in := range set {
		if in.Fd < 0 || (!in.Read && !in.Write) {
			continue
		}
		var events int16
		if in.Read {
			events |= unix.POLLIN
		}
		if in.Write {
			events |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(in.Fd), Events: events})
	}

	ms := int(timeout / time.Millisecond)
	if ms == 0 && timeout > 0 {
		ms = 1
	}

	_, err := unix.Poll(pfds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, NewOSError("poll", err)
	}

	report := NewReadiness()
	for _, pfd := range pfds {
		fd := int(pfd.Fd)
		if pfd.Events&unix.POLLIN != 0 && pfd.Revents&pollReadable != 0 {
			report.SetReadable(fd)
		}
		if pfd.Events&unix.POLLOUT != 0 && pfd.Revents&pollWritable != 0 {
			report.SetWritable(fd)
		}
	}

	return report, nil
}
