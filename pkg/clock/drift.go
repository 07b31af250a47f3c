package clock

import (
	"sync"
	"time"
)

// DriftSample is one paired reading of the monotonic and wall clocks.
type DriftSample struct {
	Reference time.Duration // monotonic time since the monitor was created
	Wall      time.Time
}

// DriftResult is the outcome of comparing two consecutive samples.
type DriftResult struct {
	HasDrift bool
	Drift    time.Duration // wall elapsed minus monotonic elapsed
}

// DriftMonitor detects the wall clock moving at a different rate than a
// monotonic reference, e.g. after an NTP step or a VM resume.
type DriftMonitor struct {
	mu        sync.Mutex
	wall      func() time.Time
	reference func() time.Duration
	last      *DriftSample
}

// NewDriftMonitor returns a monitor reading the system clocks.
func NewDriftMonitor() *DriftMonitor {
	start := time.Now()
	return &DriftMonitor{
		// Round(0) strips the monotonic reading so Wall reflects clock steps.
		wall:      func() time.Time { return time.Now().Round(0) },
		reference: func() time.Duration { return time.Since(start) },
	}
}

// NewDriftMonitorWithSources returns a monitor reading the given sources.
func NewDriftMonitorWithSources(wall func() time.Time, reference func() time.Duration) *DriftMonitor {
	return &DriftMonitor{wall: wall, reference: reference}
}

// Sample records a new reading and compares it against the previous one.
// The first call only records. Every call replaces the stored sample.
func (m *DriftMonitor) Sample(threshold time.Duration) DriftResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := DriftSample{Reference: m.reference(), Wall: m.wall()}
	previous := m.last
	m.last = &current

	if previous == nil {
		return DriftResult{}
	}

	wallElapsed := current.Wall.Sub(previous.Wall)
	refElapsed := current.Reference - previous.Reference
	drift := wallElapsed - refElapsed

	abs := drift
	if abs < 0 {
		abs = -abs
	}
	return DriftResult{HasDrift: abs > threshold, Drift: drift}
}

// Last returns the most recent sample, if any.
func (m *DriftMonitor) Last() (DriftSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return DriftSample{}, false
	}
	return *m.last, true
}
