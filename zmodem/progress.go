package zmodem

import (
	"fmt"
	"time"
)

// ProgressTracker throttles transfer progress reporting. The session
// controller feeds it the byte counters each tick and logs whatever lines
// it returns. A zero interval disables periodic reports.
type ProgressTracker struct {
	clock    Clock
	interval time.Duration

	start      time.Time
	lastReport time.Time
	lastBytes  int64
}

// NewProgressTracker creates a tracker reporting at most once per interval.
func NewProgressTracker(clock Clock, interval time.Duration) *ProgressTracker {
	if clock == nil {
		clock = time.Now
	}
	return &ProgressTracker{clock: clock, interval: interval}
}

// Start begins tracking a new transfer.
func (pt *ProgressTracker) Start() {
	now := pt.clock()
	pt.start = now
	pt.lastReport = now
	pt.lastBytes = 0
}

// Update returns a progress line when a report is due, else ok=false.
func (pt *ProgressTracker) Update(transferred, total int64) (string, bool) {
	if pt.interval <= 0 {
		return "", false
	}
	now := pt.clock()
	if now.Sub(pt.lastReport) < pt.interval {
		return "", false
	}

	elapsed := now.Sub(pt.lastReport).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(transferred-pt.lastBytes) / elapsed
	}
	pt.lastReport = now
	pt.lastBytes = transferred

	if total > 0 {
		pct := float64(transferred) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
		return fmt.Sprintf("progress: %.1f%% (%d/%d bytes, %.0f B/s)",
			pct, transferred, total, rate), true
	}
	return fmt.Sprintf("progress: %d bytes (%.0f B/s)", transferred, rate), true
}

// Complete returns a summary line for a finished transfer.
func (pt *ProgressTracker) Complete(transferred int64) string {
	duration := pt.clock().Sub(pt.start)
	var rate float64
	if duration.Seconds() > 0 {
		rate = float64(transferred) / duration.Seconds()
	}
	return fmt.Sprintf("transferred %d bytes in %v (%.0f B/s)",
		transferred, duration.Round(time.Millisecond), rate)
}
