//go:build darwin || freebsd || netbsd || openbsd

package mqttloop

import "golang.org/x/sys/unix"

// ioctlPendingBytes reports the bytes queued on a socket's receive side.
const ioctlPendingBytes = unix.FIONREAD
