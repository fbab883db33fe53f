package monitoring

import (
	"maps"
	"time"
)

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.Outcomes = maps.Clone(m.snapshot.Outcomes)
	s.Uptime = time.Since(m.startTime).Seconds()
	return s
}
