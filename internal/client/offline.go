package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"syncwire/internal/wire"
)

// enqueue parks a custom-procedure envelope for replay. The pending entry has
// no timer and no channel: the caller already resolved, and the optimistic
// writes stay in the replica until the replayed call is answered.
func (c *Client) enqueue(env *wire.Envelope, rollback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, env)
	c.pending[env.ID] = &pendingMsg{rollback: rollback}
}

// replay re-sends queued envelopes on a fresh connection, in enqueue order.
// Only the original custom calls go out; the optimistic deltas they produced
// locally are never sent.
func (c *Client) replay(envs []*wire.Envelope) {
	for _, env := range envs {
		c.mu.Lock()
		p, ok := c.pending[env.ID]
		conn := c.conn
		connected := c.state == wire.StateConnected && conn != nil
		var err error
		if connected {
			err = conn.WriteJSON(env)
		}
		if connected && err == nil && ok {
			p.timer = time.AfterFunc(c.opts.ReplyTimeout, func() { c.expire(env.ID) })
		}
		if !connected || err != nil {
			// Still offline; keep the envelope for the next connection.
			c.queue = append(c.queue, env)
		}
		c.mu.Unlock()
		if connected && err == nil {
			c.emit(Event{Type: EventMutationSent, MutationID: env.ID, Resource: env.Resource, Optimistic: true})
		}
	}
}

// reconnectLoop retries Connect with exponential backoff until it succeeds or
// the session closes.
func (c *Client) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	op := func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return backoff.Permanent(errors.New("session closed"))
		}
		return c.Connect(context.Background())
	}
	if err := backoff.Retry(op, b); err != nil {
		logrus.WithError(err).Debug("reconnect abandoned")
	}
}
