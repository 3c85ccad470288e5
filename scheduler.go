package mqttloop

import (
	"errors"
	"fmt"
	"slices"
)

// ReadReady reads packets after the socket reported readable. It performs up
// to one receive per in-flight message (at least one) and keeps going while
// the transport holds buffered data, stopping at the first ErrWouldBlock.
// While a handshake is connecting it performs one handshake step instead.
func (c *Client) ReadReady(maxPackets int) error {
	if err := c.checkLoopCall(maxPackets); err != nil {
		return err
	}

	if c.handshaker != nil && c.handshaker.WantsConnect() {
		return c.handshaker.ContinueHandshake()
	}

	budget := c.packetBudget()
	read := 0
	defer func() { c.metrics.packetsRead(read) }()

	for i := 0; i < budget || c.transportPending(); i++ {
		if i >= budget && i-budget >= c.options.maxPendingDrain {
			c.drainCapped(budget)
			return nil
		}

		var err error
		if c.negotiator != nil && c.negotiator.Negotiating() {
			err = c.negotiator.ReceiveProxy()
		} else {
			err = c.io.ReceiveOne()
		}

		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return c.handleLoopResult(err)
		}
		read++
	}

	return nil
}

// WriteReady sends queued packets after the socket reported writable, up to
// one per in-flight message (at least one), stopping at the first
// ErrWouldBlock.
func (c *Client) WriteReady(maxPackets int) error {
	if err := c.checkLoopCall(maxPackets); err != nil {
		return err
	}

	budget := c.packetBudget()
	written := 0
	defer func() { c.metrics.packetsWritten(written) }()

	for range budget {
		if err := c.io.SendOne(); err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return c.handleLoopResult(err)
		}
		written++
	}

	return nil
}

// packetBudget reads both queue lengths, each under its own lock.
func (c *Client) packetBudget() int {
	budget := workBudget(c.inbound.Len(), c.outbound.Len())
	c.metrics.budget(budget)
	return budget
}

// transportPending reports data buffered above the socket that a readiness
// wait would not report.
func (c *Client) transportPending() bool {
	if c.handshaker != nil && c.handshaker.Pending() {
		return true
	}
	if b, ok := c.io.(bufferedReader); ok {
		return b.Buffered()
	}
	return false
}

// drainCapped defers the remaining buffered data to the next iteration,
// which skips the readiness wait.
func (c *Client) drainCapped(budget int) {
	c.forceDrain = true
	c.metrics.drainCapped()
	c.drainLog.Do(func() {
		c.logger.Warn("buffered read data exceeds drain limit", LogFields{
			LogFieldBudget: budget,
			"drain_limit":  c.options.maxPendingDrain,
		})
	})
}

// handleLoopResult closes the connection after a failed packet operation and
// notifies disconnect handlers once. A failure while the application is
// disconnecting, or after our own DISCONNECT was sent, is reported as nil.
func (c *Client) handleLoopResult(err error) error {
	if err == nil {
		return nil
	}

	c.closeSocket()

	if errors.Is(err, errDisconnectSent) {
		c.SetState(ConnStateDisconnected)
	}

	reason := err
	state := c.State()
	if state.UserDisconnect() {
		reason = nil
	}

	c.metrics.disconnect(reason)
	if reason != nil {
		c.logger.Warn("connection lost", LogFields{
			LogFieldState: state.String(),
			LogFieldError: reason.Error(),
		})
		c.emit(&ConnectionLostError{Cause: reason})
	} else {
		c.logger.Info("disconnected", LogFields{LogFieldState: state.String()})
	}

	c.notifyDisconnect(reason)
	return reason
}

// notifyDisconnect runs every handler once under the callback lock with the
// re-entrancy guard set.
func (c *Client) notifyDisconnect(reason error) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()

	c.handlersMu.RLock()
	handlers := slices.Clone(c.handlers)
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	c.inCallback.Store(true)
	defer c.inCallback.Store(false)

	for _, h := range handlers {
		c.runHandler(h, reason)
	}
}

func (c *Client) runHandler(h DisconnectHandler, reason error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("disconnect handler panicked", LogFields{
				LogFieldError: fmt.Sprint(r),
			})
		}
	}()

	h(c, c.options.userData, reason)
}
