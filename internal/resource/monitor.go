// Package resource defines the resource and service model of the
// pipeline: capability-based resources, per-usage health states, O(1)
// metrics, bounded error logs, binding URIs, and the service manager
// that wires services to wrapped resources.
package resource

import (
	"sync"
	"sync/atomic"
	"time"
)

// UsageState is the per-usage-type health view of a resource.
type UsageState int

const (
	// StateActive means the usage is operating normally.
	StateActive UsageState = iota
	// StateWaiting indicates transient pressure (queue full/empty).
	StateWaiting
	// StateFailed indicates an operational fault.
	StateFailed
)

func (s UsageState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateWaiting:
		return "WAITING"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// ErrorRecord is one operational error kept by a monitor.
type ErrorRecord struct {
	Timestamp time.Time
	Code      string
	Message   string
	Details   map[string]string
}

// DefaultErrorLimit bounds the error list; oldest entries are dropped.
const DefaultErrorLimit = 100

// Monitor carries the operational state of one resource: counters,
// rate/latency windows, usage states, and a bounded error ring. All
// recording operations are O(1).
type Monitor struct {
	name string

	mu     sync.RWMutex
	states map[string]UsageState
	errs   []ErrorRecord
	limit  int

	counters sync.Map // string -> *atomic.Int64
	windows  sync.Map // string -> *Window
	winSize  time.Duration
}

// NewMonitor creates a monitor with the default error limit.
func NewMonitor(name string, metricsWindow time.Duration) *Monitor {
	if metricsWindow <= 0 {
		metricsWindow = 5 * time.Second
	}
	return &Monitor{
		name:    name,
		states:  map[string]UsageState{},
		limit:   DefaultErrorLimit,
		winSize: metricsWindow,
	}
}

// Name returns the resource name.
func (m *Monitor) Name() string { return m.name }

// SetUsageState records the health of one usage type.
func (m *Monitor) SetUsageState(usageType string, s UsageState) {
	m.mu.Lock()
	m.states[usageType] = s
	m.mu.Unlock()
}

// UsageState returns the health of one usage type; unknown types are ACTIVE.
func (m *Monitor) UsageState(usageType string) UsageState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[usageType]
}

// Inc adds one to a cumulative counter.
func (m *Monitor) Inc(name string) { m.Add(name, 1) }

// Add bumps a cumulative counter.
func (m *Monitor) Add(name string, delta int64) {
	v, _ := m.counters.LoadOrStore(name, &atomic.Int64{})
	v.(*atomic.Int64).Add(delta)
}

// Observe records a sample into the named sliding window.
func (m *Monitor) Observe(name string, value float64) {
	w, _ := m.windows.LoadOrStore(name, NewWindow(m.winSize))
	w.(*Window).Observe(value)
}

// Metrics returns a point-in-time snapshot of all counters and window
// aggregates. Reads are O(number of metrics), each read O(1).
func (m *Monitor) Metrics() map[string]float64 {
	out := map[string]float64{}
	m.counters.Range(func(k, v any) bool {
		out[k.(string)] = float64(v.(*atomic.Int64).Load())
		return true
	})
	m.windows.Range(func(k, v any) bool {
		name := k.(string)
		w := v.(*Window)
		count, sum := w.Totals()
		out[name+"_count"] = float64(count)
		out[name+"_sum"] = sum
		if count > 0 {
			out[name+"_avg"] = sum / float64(count)
		}
		return true
	})
	m.mu.RLock()
	out["error_count"] = float64(len(m.errs))
	m.mu.RUnlock()
	return out
}

// RecordError appends an operational error, evicting the oldest entry
// beyond the limit.
func (m *Monitor) RecordError(code, message string, details map[string]string) {
	rec := ErrorRecord{Timestamp: time.Now(), Code: code, Message: message, Details: details}
	m.mu.Lock()
	m.errs = append(m.errs, rec)
	if len(m.errs) > m.limit {
		m.errs = m.errs[len(m.errs)-m.limit:]
	}
	m.mu.Unlock()
}

// Errors returns a copy of the recorded errors, oldest first.
func (m *Monitor) Errors() []ErrorRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ErrorRecord, len(m.errs))
	copy(out, m.errs)
	return out
}

// IsHealthy reports whether the error list is empty.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.errs) == 0
}
