package ws

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval before eviction
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval until the server
// shuts down. It returns immediately.
func StartHeartbeat(s *Server, config HeartbeatConfig) {
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

// checkConnections evicts connections silent for longer than Interval +
// Timeout, pings the rest and refreshes their session TTL.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.logger.Info("heartbeat timeout", "session", c.ID, "idle", idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Info("heartbeat ping failed", "session", c.ID, "error", err)
			s.RemoveConnection(c)
			continue
		}

		if s.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.sessions.Touch(ctx, c.ID); err != nil {
				s.logger.Debug("session touch failed", "session", c.ID, "error", err)
			}
			cancel()
		}
	}
}
