// Package metrics collects real-time counters for the frame loop.
//
// The Collector is written by the loop goroutine and read by the status
// server. All methods are nil-receiver safe so callers can run without one.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of the counters.
type Snapshot struct {
	Frames          int64     `json:"frames"`
	EmptyFrames     int64     `json:"empty_frames"`
	Detections      int64     `json:"detections"`
	Published       int64     `json:"published"`
	PublishFailures int64     `json:"publish_failures"`
	DetectFailures  int64     `json:"detect_failures"`
	FPS             int       `json:"fps"`
	LastPublish     time.Time `json:"last_publish,omitempty"`
}

// Collector accumulates counters for one run.
type Collector struct {
	mu sync.Mutex

	frames          int64
	emptyFrames     int64
	detections      int64
	published       int64
	publishFailures int64
	detectFailures  int64
	fps             int
	lastPublish     time.Time
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// FPS derives the frame rate of one iteration from its elapsed wall time:
// floor(1000 / (elapsed_ms + 1)).
//
// The +1 keeps sub-millisecond iterations from dividing by zero, so the
// value reads slightly low at high rates: 0 ms gives 1000, 999 ms gives 1
// and anything from 1000 ms on gives 0.
func FPS(elapsed time.Duration) int {
	ms := elapsed.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return int(1000 / (ms + 1))
}

// ObserveFrame records one processed frame with n detections.
func (c *Collector) ObserveFrame(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.frames++
	if n == 0 {
		c.emptyFrames++
	}
	c.detections += int64(n)
	c.mu.Unlock()
}

// RecordFPS stores the rate of the latest iteration.
func (c *Collector) RecordFPS(fps int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.fps = fps
	c.mu.Unlock()
}

// IncPublished records a successful publish.
func (c *Collector) IncPublished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.published++
	c.lastPublish = time.Now()
	c.mu.Unlock()
}

// IncPublishFailure records a failed publish.
func (c *Collector) IncPublishFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.publishFailures++
	c.mu.Unlock()
}

// IncDetectFailure records a failed detector call.
func (c *Collector) IncDetectFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.detectFailures++
	c.mu.Unlock()
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Frames:          c.frames,
		EmptyFrames:     c.emptyFrames,
		Detections:      c.detections,
		Published:       c.published,
		PublishFailures: c.publishFailures,
		DetectFailures:  c.detectFailures,
		FPS:             c.fps,
		LastPublish:     c.lastPublish,
	}
}
