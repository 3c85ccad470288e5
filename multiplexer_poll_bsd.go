//go:build darwin || freebsd || netbsd || openbsd

package mqttloop

import "golang.org/x/sys/unix"

const (
	pollReadable = unix.POLLIN | unix.POLLRDNORM | unix.POLLRDBAND | unix.POLLHUP | unix.POLLERR
	pollWritable = unix.POLLOUT | unix.POLLWRNORM | unix.POLLWRBAND | unix.POLLERR
)
