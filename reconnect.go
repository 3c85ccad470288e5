package mqttloop

import (
	"context"
	"time"
)

// LoopForever drives RunOnce until the connection fails, then sleeps with
// backoff and reconnects, until a fatal error, a disconnect requested by the
// application, or ctx cancellation.
//
// It returns nil after an application disconnect, ctx.Err() after
// cancellation, and the failure itself when IsFatal reports it fatal.
// Cancellation is observed between iterations and around every sleep; a
// blocked wait is interrupted through the wake channel.
func (c *Client) LoopForever(ctx context.Context, timeout time.Duration, maxPackets int) error {
	if err := c.checkLoopCall(maxPackets); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.wake.Signal() })
	defer stop()

	c.reconnects = 0
	attempt := 0

	for {
		err := c.runUntilFailure(ctx, timeout, maxPackets)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if IsFatal(err) {
			c.logger.Error("loop stopped", LogFields{LogFieldError: err.Error()})
			return err
		}

		if c.State().UserDisconnect() {
			return nil
		}

		delay, counted := backoffDelay(c.options.reconnectDelay, c.options.reconnectDelayMax,
			c.reconnects, c.options.reconnectExponential)
		if counted {
			c.reconnects++
		}
		attempt++

		c.metrics.reconnect(delay)
		c.logger.Info("reconnecting", LogFields{
			LogFieldAttempt: attempt,
			LogFieldDelay:   delay.String(),
			LogFieldError:   err.Error(),
		})
		c.emit(&ReconnectEvent{Attempt: attempt, Delay: delay, Cause: err})

		if err := c.sleepInterruptible(delay); err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if c.State().UserDisconnect() {
			return nil
		}

		// A failed attempt leaves no socket; the next RunOnce reports it.
		_ = c.redial(ctx)
	}
}

// runUntilFailure calls RunOnce until it fails or ctx is done.
func (c *Client) runUntilFailure(ctx context.Context, timeout time.Duration, maxPackets int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.RunOnce(timeout, maxPackets); err != nil {
			return err
		}
	}
}

// redial reconnects with the connect timeout. A running SRV lookup is left to
// finish instead.
func (c *Client) redial(ctx context.Context) error {
	if c.activeResolver() != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.connectTimeout)
	defer cancel()

	return c.reconnect(ctx)
}

// backoffDelay returns the delay before reconnect attempt count+1 and whether
// the attempt counter should grow. Growth only applies when maxDelay exceeds
// base; the result is clamped to maxDelay and the counter stops once clamped.
func backoffDelay(base, maxDelay time.Duration, count int, exponential bool) (time.Duration, bool) {
	delay := base
	if maxDelay > base {
		n := time.Duration(count + 1)
		delay = base * n
		if exponential {
			delay *= n
		}
	}

	if delay > maxDelay {
		return maxDelay, false
	}
	return delay, true
}

// sleepInterruptible waits for delay or a wake-up, whichever comes first.
// A wake-up consumes one byte.
func (c *Client) sleepInterruptible(delay time.Duration) error {
	fd := c.wake.ReadFd()

	var set []Interest
	if fd >= 0 {
		set = append(set, Interest{Fd: fd, Read: true})
	}

	ready, err := c.mux.Wait(set, max(delay, 0))
	if err != nil {
		return err
	}

	if ready.Readable(fd) {
		c.wake.Drain(1)
	}
	return nil
}
