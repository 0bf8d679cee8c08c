package asyncfiber

import (
	"sync"
	"sync/atomic"
)

// Metrics holds atomic counters for loop and fiber activity. Enabled via
// [WithMetrics]; nil (and every method a no-op through [Loop.Metrics]
// returning nil) otherwise.
type Metrics struct {
	FibersCreated  atomic.Uint64
	StallsDetected atomic.Uint64
	NodesLive      atomic.Int64

	faultsMu sync.Mutex
	faults   map[FaultCode]uint64
}

func newMetrics() *Metrics {
	return &Metrics{faults: make(map[FaultCode]uint64)}
}

// RecordFault increments the counter for code.
func (m *Metrics) RecordFault(code FaultCode) {
	if m == nil {
		return
	}
	m.faultsMu.Lock()
	m.faults[code]++
	m.faultsMu.Unlock()
}

// FaultsByCode returns a snapshot of fault counts per [FaultCode].
func (m *Metrics) FaultsByCode() map[FaultCode]uint64 {
	if m == nil {
		return nil
	}
	m.faultsMu.Lock()
	defer m.faultsMu.Unlock()
	out := make(map[FaultCode]uint64, len(m.faults))
	for k, v := range m.faults {
		out[k] = v
	}
	return out
}
