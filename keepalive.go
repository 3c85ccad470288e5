package mqttloop

import (
	"sync"
	"time"
)

// KeepAlive is the default KeepAliveChecker. It sends PINGREQ when nothing
// has been sent for one interval and fails the connection when the previous
// PINGREQ is still unanswered at the next deadline.
type KeepAlive struct {
	mu       sync.Mutex
	interval time.Duration
	lastIn   time.Time
	lastOut  time.Time
	pingSent time.Time

	state func() ConnState
	send  func(pkt []byte)
	now   func() time.Time
}

// NewKeepAlive creates a keep-alive tracker. An interval of zero disables it.
func NewKeepAlive(interval time.Duration, state func() ConnState, send func(pkt []byte)) *KeepAlive {
	k := &KeepAlive{
		interval: interval,
		state:    state,
		send:     send,
		now:      time.Now,
	}
	k.Reset()
	return k
}

// Interval returns the keep-alive interval.
func (k *KeepAlive) Interval() time.Duration {
	return k.interval
}

// Reset starts a fresh connection.
func (k *KeepAlive) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.lastIn = now
	k.lastOut = now
	k.pingSent = time.Time{}
}

// MarkInbound records a received packet.
func (k *KeepAlive) MarkInbound(t time.Time) {
	k.mu.Lock()
	k.lastIn = t
	k.mu.Unlock()
}

// MarkOutbound records a sent packet.
func (k *KeepAlive) MarkOutbound(t time.Time) {
	k.mu.Lock()
	k.lastOut = t
	k.mu.Unlock()
}

// PingResponse clears the outstanding PINGREQ.
func (k *KeepAlive) PingResponse() {
	k.mu.Lock()
	k.pingSent = time.Time{}
	k.mu.Unlock()
}

// NextEvent returns the earlier of the outbound and inbound deadlines, the
// next time CheckKeepAlive has work to do.
func (k *KeepAlive) NextEvent() time.Time {
	if k.interval <= 0 {
		return time.Time{}
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	out := k.lastOut.Add(k.interval)
	if in := k.lastIn.Add(k.interval); in.Before(out) {
		return in
	}
	return out
}

// CheckKeepAlive sends PINGREQ when due. It returns ErrKeepAliveTimeout when
// a deadline passes while a ping is outstanding or before CONNACK.
func (k *KeepAlive) CheckKeepAlive() error {
	if k.interval <= 0 {
		return nil
	}

	k.mu.Lock()
	now := k.now()
	due := !now.Before(k.lastOut.Add(k.interval)) || now.Sub(k.lastIn) >= k.interval
	if !due {
		k.mu.Unlock()
		return nil
	}

	if k.state() != ConnStateConnected || !k.pingSent.IsZero() {
		k.mu.Unlock()
		return ErrKeepAliveTimeout
	}

	k.pingSent = now
	k.lastIn = now
	k.lastOut = now
	k.mu.Unlock()

	k.send(EncodePingreq())
	return nil
}
