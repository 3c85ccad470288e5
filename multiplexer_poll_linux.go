package mqttloop

import "golang.org/x/sys/unix"

const (
	pollReadable = unix.POLLIN | unix.POLLHUP | unix.POLLERR
	pollWritable = unix.POLLOUT | unix.POLLERR
)
