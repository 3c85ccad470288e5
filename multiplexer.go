package mqttloop

import "time"

// Interest registers a descriptor with a Multiplexer for one wait.
type Interest struct {
	Fd    int
	Read  bool
	Write bool
}

// Readiness reports which registered descriptors fired.
type Readiness struct {
	readable map[int]bool
	writable map[int]bool
}

// NewReadiness creates an empty report.
func NewReadiness() *Readiness {
	return &Readiness{
		readable: make(map[int]bool),
		writable: make(map[int]bool),
	}
}

// SetReadable marks fd readable.
func (r *Readiness) SetReadable(fd int) { r.readable[fd] = true }

// SetWritable marks fd writable.
func (r *Readiness) SetWritable(fd int) { r.writable[fd] = true }

// Readable reports whether fd is readable. Safe on a nil report.
func (r *Readiness) Readable(fd int) bool { return r != nil && fd >= 0 && r.readable[fd] }

// Writable reports whether fd is writable. Safe on a nil report.
func (r *Readiness) Writable(fd int) bool { return r != nil && fd >= 0 && r.writable[fd] }

// Filter returns the readable and writable descriptors among fds.
func (r *Readiness) Filter(fds []int) (readable, writable []int) {
	for _, fd := range fds {
		if r.Readable(fd) {
			readable = append(readable, fd)
		}
		if r.Writable(fd) {
			writable = append(writable, fd)
		}
	}
	return readable, writable
}

// Multiplexer waits for readiness on a set of descriptors.
//
// Wait blocks for at most timeout. An interrupted wait returns (nil, nil):
// the caller treats it as success and loops again. Any other failure is an
// *OSError.
type Multiplexer interface {
	Wait(set []Interest, timeout time.Duration) (*Readiness, error)
}

const defaultLoopTimeout = time.Second

// effectiveTimeout bounds the requested wait by the next scheduled event.
// A negative request means one second; a zero next event means none is
// scheduled.
func effectiveTimeout(requested time.Duration, next, now time.Time) time.Duration {
	if requested < 0 {
		requested = defaultLoopTimeout
	}

	if !next.IsZero() {
		if until := next.Sub(now); until < requested {
			requested = until
		}
	}

	return max(requested, 0)
}
