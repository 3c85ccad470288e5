package mqttloop

import (
	"fmt"
	"time"
)

// RunOnce performs one loop iteration: wait for readiness on the socket, the
// wake channel and any resolver descriptors, then read, write and run
// maintenance. A negative timeout means one second. maxPackets must be at
// least one; the actual work per call is set by the queue depths.
//
// RunOnce returns nil when the iteration made progress or there was nothing
// to do, ErrNotConnected without blocking when there is no socket and no
// lookup in progress, and the failure that closed the connection otherwise.
func (c *Client) RunOnce(timeout time.Duration, maxPackets int) error {
	if err := c.checkLoopCall(maxPackets); err != nil {
		return err
	}
	c.metrics.iteration()
	c.applyPendingReset()

	sockFd := c.socket.Load().Fd()
	set := make([]Interest, 0, 4)

	var resolver Resolver
	var resolverFds []int
	if sockFd >= 0 {
		set = append(set, Interest{Fd: sockFd, Read: true, Write: c.wantsWrite()})
	} else {
		if resolver = c.activeResolver(); resolver == nil {
			return c.noConnection()
		}
		var interests []Interest
		interests, resolverFds = resolverInterests(resolver)
		set = append(set, interests...)
	}

	wakeFd := c.wake.ReadFd()
	if wakeFd >= 0 {
		set = append(set, Interest{Fd: wakeFd, Read: true})
	}

	wait := effectiveTimeout(timeout, c.nextEvent(), time.Now())
	drain := c.forceDrain && sockFd >= 0
	if drain {
		wait = 0
	}
	c.forceDrain = false

	ready, err := c.mux.Wait(set, wait)
	if err != nil {
		c.pollLog.Do(func() {
			c.logger.Error("readiness wait failed", LogFields{LogFieldError: err.Error()})
		})
		return err
	}
	if ready == nil {
		// interrupted by a signal
		return nil
	}

	if sockFd >= 0 {
		if drain || ready.Readable(sockFd) {
			if err := c.ReadReady(maxPackets); err != nil || !c.socket.Load().Valid() {
				return err
			}
		}

		writable := ready.Writable(sockFd)
		if ready.Readable(wakeFd) {
			c.drainWake()
			// A producer may have queued work after the wait set was built.
			writable = true
		}

		if writable && c.socket.Load().Valid() {
			if c.handshaker != nil && c.handshaker.WantsConnect() {
				if err := c.handshaker.ContinueHandshake(); err != nil {
					return err
				}
			} else if err := c.WriteReady(maxPackets); err != nil || !c.socket.Load().Valid() {
				return err
			}
		}
	} else if ready.Readable(wakeFd) {
		c.drainWake()
	}

	if resolver != nil {
		readable, writable := ready.Filter(resolverFds)
		resolver.Process(readable, writable)
	}

	return c.RunMaintenance()
}

// RunMaintenance runs the keep-alive check. It returns ErrNotConnected when
// there is no socket.
func (c *Client) RunMaintenance() error {
	if c.inCallback.Load() {
		return ErrInCallback
	}
	if !c.socket.Load().Valid() {
		return c.noConnection()
	}
	if c.keepAlive == nil {
		return nil
	}

	return c.handleLoopResult(c.keepAlive.CheckKeepAlive())
}

func (c *Client) checkLoopCall(maxPackets int) error {
	if maxPackets < 1 {
		return fmt.Errorf("%w: maxPackets %d", ErrInvalidArgument, maxPackets)
	}
	if c.inCallback.Load() {
		return ErrInCallback
	}
	return nil
}

// wantsWrite decides write interest for the socket. Queued packets count
// unless a handshake is running; an explicit handshake write always counts.
func (c *Client) wantsWrite() bool {
	if c.handshaker != nil {
		if c.handshaker.WantsWrite() {
			return true
		}
		if c.handshaker.WantsConnect() {
			return false
		}
	}
	return c.io.OutboundPending()
}

func (c *Client) nextEvent() time.Time {
	if c.keepAlive == nil {
		return time.Time{}
	}
	return c.keepAlive.NextEvent()
}

func (c *Client) drainWake() {
	c.wake.DrainPending()
	c.metrics.wakeup()
}

// resolverInterests merges the resolver's read and write descriptors.
func resolverInterests(r Resolver) ([]Interest, []int) {
	read, write := r.Descriptors()

	index := make(map[int]int, len(read)+len(write))
	var set []Interest
	var fds []int
	add := func(fd int) *Interest {
		if i, ok := index[fd]; ok {
			return &set[i]
		}
		index[fd] = len(set)
		set = append(set, Interest{Fd: fd})
		fds = append(fds, fd)
		return &set[len(set)-1]
	}

	for _, fd := range read {
		add(fd).Read = true
	}
	for _, fd := range write {
		add(fd).Write = true
	}
	return set, fds
}
