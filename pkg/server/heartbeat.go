package server

import (
	"time"

	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
)

// heartbeatLoop evicts sessions that stopped pinging. A session is silent
// once its idle time passes the timeout; eviction closes with 4002 so
// clients can tell a reaped connection from a network drop.
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	interval := c.cfg.HeartbeatCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reapSilent()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) reapSilent() {
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	var silent []*Session
	c.conns.Each(func(sess *Session) {
		if c.conns.IdleTime(sess.ID) > timeout {
			silent = append(silent, sess)
		}
	})
	for _, sess := range silent {
		metrics.HeartbeatEvictions.Inc()
		c.logger.Info().Str("session", sess.ID).Msg("evicting silent session")
		c.closeSession(sess, protocol.CloseHeartbeatTimeout, "Heartbeat timeout")
	}
}
