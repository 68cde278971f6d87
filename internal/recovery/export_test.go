package recovery

import "time"

// SetNow overrides the monitor's clock so sweeps can simulate elapsed time.
func (m *Monitor) SetNow(now func() time.Time) {
	m.now = now
}
