package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period for activity after a ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts those with
// no frame received within Interval + Timeout. Eviction goes through
// RemoveConnection, so the disconnect callback runs. The goroutine exits when
// the server shuts down.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config, time.Now())
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info("heartbeat timeout",
				zap.String("session", c.ID),
				zap.Duration("idle", idle.Round(time.Second)),
			)
			s.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically; the pong proves the
		// connection is alive.
		if err := c.WritePing(); err != nil {
			s.log.Debug("heartbeat ping failed", zap.String("session", c.ID), zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}
