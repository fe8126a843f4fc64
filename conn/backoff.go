package conn

import (
	"context"
	"math/rand"
	"time"
)

// backoffDelay returns the base reconnect delay for a 1-indexed attempt:
// the base doubling per attempt, capped at the configured maximum.
func backoffDelay(opts Options, attempt int) time.Duration {
	delay := opts.ReconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= opts.ReconnectMax {
			return opts.ReconnectMax
		}
	}
	return min(delay, opts.ReconnectMax)
}

// jitter returns a random addition of up to half the base delay, so
// simultaneously-degraded connections don't reconnect in lockstep. The
// addition is bounded below the next doubling, keeping the schedule
// strictly increasing until the cap.
func jitter(opts Options) time.Duration {
	span := opts.ReconnectBase / 2
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(span)))
}

// startSupervisor starts the reconnect supervisor goroutine unless one is
// already running or the connection is closed.
func (c *Conn) startSupervisor() {
	c.mu.Lock()
	if c.supervising || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.supervising = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise()
	}()
}

// supervise is the single reconnect loop for a degraded connection. It
// retries with capped exponential backoff up to the attempt budget; on
// success the connection returns to Ready with a fresh budget, on
// exhaustion it stays Degraded permanently.
func (c *Conn) supervise() {
	defer func() {
		c.mu.Lock()
		c.supervising = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		wait := backoffDelay(c.opts, attempt) + jitter(c.opts)

		select {
		case <-time.After(wait):
		case <-c.closed:
			return
		}

		c.mu.Lock()
		if c.state != StateDegraded {
			c.mu.Unlock()
			return
		}
		c.state = StateInitializing
		c.mu.Unlock()

		c.log.Info("reconnect attempt", "attempt", attempt, "maxAttempts", c.opts.ReconnectAttempts, "delay", wait)

		if err := c.connectOnce(context.Background()); err != nil {
			c.mu.Lock()
			if c.state == StateClosed {
				c.mu.Unlock()
				return
			}
			c.state = StateDegraded
			c.lastErr = err
			c.mu.Unlock()
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.becomeReady()
		return
	}

	c.log.Error("reconnect attempts exhausted, connection stays degraded",
		"attempts", c.opts.ReconnectAttempts)
}
