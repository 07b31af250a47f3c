package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type sources struct {
	wall time.Time
	ref  time.Duration
}

func (s *sources) monitor() *DriftMonitor {
	return NewDriftMonitorWithSources(
		func() time.Time { return s.wall },
		func() time.Duration { return s.ref },
	)
}

func TestDriftMonitorFirstSampleNeverDrifts(t *testing.T) {
	src := &sources{wall: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := src.monitor()

	result := m.Sample(time.Second)
	assert.False(t, result.HasDrift)
	assert.Zero(t, result.Drift)

	last, ok := m.Last()
	assert.True(t, ok)
	assert.Equal(t, src.wall, last.Wall)
}

func TestDriftMonitorSample(t *testing.T) {
	tests := []struct {
		name      string
		wallStep  time.Duration
		refStep   time.Duration
		threshold time.Duration
		wantDrift bool
		wantDelta time.Duration
	}{
		{
			name:      "clocks agree",
			wallStep:  10 * time.Second,
			refStep:   10 * time.Second,
			threshold: time.Second,
		},
		{
			name:      "small skew under threshold",
			wallStep:  10*time.Second + 500*time.Millisecond,
			refStep:   10 * time.Second,
			threshold: time.Second,
			wantDelta: 500 * time.Millisecond,
		},
		{
			name:      "wall clock jumped forward",
			wallStep:  2 * time.Minute,
			refStep:   10 * time.Second,
			threshold: 30 * time.Second,
			wantDrift: true,
			wantDelta: 110 * time.Second,
		},
		{
			name:      "wall clock stepped backwards",
			wallStep:  -time.Minute,
			refStep:   5 * time.Second,
			threshold: 30 * time.Second,
			wantDrift: true,
			wantDelta: -65 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &sources{wall: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			m := src.monitor()
			m.Sample(tt.threshold)

			src.wall = src.wall.Add(tt.wallStep)
			src.ref += tt.refStep

			result := m.Sample(tt.threshold)
			assert.Equal(t, tt.wantDrift, result.HasDrift)
			assert.Equal(t, tt.wantDelta, result.Drift)
		})
	}
}

func TestDriftMonitorComparesOnlyAgainstLastSample(t *testing.T) {
	src := &sources{wall: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := src.monitor()
	m.Sample(time.Second)

	src.wall = src.wall.Add(time.Hour)
	src.ref += time.Second
	assert.True(t, m.Sample(time.Second).HasDrift)

	src.wall = src.wall.Add(time.Second)
	src.ref += time.Second
	assert.False(t, m.Sample(time.Second).HasDrift)
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	assert.Equal(t, start, c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}
