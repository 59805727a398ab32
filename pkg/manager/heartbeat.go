package manager

import (
	"time"

	"github.com/fako1024/btobd/pkg/elm327"
	"github.com/fako1024/btobd/pkg/events"
	"github.com/fatih/stopwatch"
)

// heartbeat periodically queries the adapter to measure the link quality. Failures
// only degrade the reported quality, they never tear down the connection
func (m *Manager) heartbeat(gen uint64, session *elm327.Session, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-session.Done():
			return
		case <-ticker.C:
		}

		sw := stopwatch.Start(0)
		_, err := session.SendCommand(m.ctx, elm327.VersionCommand, m.cfg.HeartbeatTimeout)
		sw.Stop()
		latency := sw.ElapsedTime()
		quality := QualityFor(latency, err)

		m.Lock()
		if m.generation != gen {
			m.Unlock()
			return
		}
		changed := quality != m.quality
		m.quality, m.latency = quality, latency
		var ev events.Event
		if changed {
			ev = events.New(events.KindConnectionQuality).WithError(err)
			ev.Quality = string(quality)
			ev.Latency = latency
			if m.active != nil {
				ev = ev.WithDevice(*m.active)
			}
		}
		m.Unlock()

		if err != nil {
			m.logger.Debugf("heartbeat failed: %s", err)
		}
		if changed {
			m.logger.Debugf("connection quality changed to %s (%v)", quality, latency)
			m.bus.Publish(ev)
		}
	}
}
