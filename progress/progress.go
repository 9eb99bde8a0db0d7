// Package progress keeps aggregated job counters for a single batch run.
// The tracker lives in the coordinator; runners feed it indirectly through
// lifecycle events, so it never becomes shared mutable state.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Delta represents an incremental counter change derived from one lifecycle
// event. Fields are signed so a state change can move a job between
// buckets.
type Delta struct {
	Total       int
	Queued      int
	Started     int
	Finished    int
	Failed      int
	Skipped     int
	Unplaceable int
}

// Snapshot is a point-in-time copy of the counters, safe to hand to
// callbacks without sharing the tracker's lock.
type Snapshot struct {
	BatchID   string
	StartedAt time.Time

	TotalJobs       int
	QueuedJobs      int
	StartedJobs     int
	FinishedJobs    int
	FailedJobs      int
	SkippedJobs     int
	UnplaceableJobs int
}

// Done reports whether every job reached a terminal state.
func (s Snapshot) Done() bool {
	return s.FinishedJobs+s.FailedJobs+s.SkippedJobs+s.UnplaceableJobs >= s.TotalJobs
}

// Failed reports whether any job ended failed or unplaceable.
func (s Snapshot) Failed() bool {
	return s.FailedJobs+s.UnplaceableJobs > 0
}

// String renders the running status line.
func (s Snapshot) String() string {
	return fmt.Sprintf("%d/%d done (%d running, %d failed, %d skipped, %d unplaceable)",
		s.FinishedJobs+s.FailedJobs+s.SkippedJobs+s.UnplaceableJobs,
		s.TotalJobs, s.StartedJobs, s.FailedJobs, s.SkippedJobs, s.UnplaceableJobs)
}

// Progress keeps aggregated counters for one batch. It is safe for
// concurrent use.
type Progress struct {
	mu       sync.Mutex
	current  Snapshot
	onChange func(Snapshot)
}

// New returns a tracker for the given batch.
func New(batchID string, total int) *Progress {
	return &Progress{current: Snapshot{BatchID: batchID, StartedAt: time.Now(), TotalJobs: total}}
}

// OnChange registers a callback invoked with a snapshot after every update,
// outside the critical section so slow rendering never blocks runners.
func (p *Progress) OnChange(callback func(Snapshot)) {
	p.mu.Lock()
	p.onChange = callback
	p.mu.Unlock()
}

// Update applies the supplied delta; safe to call from multiple goroutines.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.current.TotalJobs += d.Total
	p.current.QueuedJobs += d.Queued
	p.current.StartedJobs += d.Started
	p.current.FinishedJobs += d.Finished
	p.current.FailedJobs += d.Failed
	p.current.SkippedJobs += d.Skipped
	p.current.UnplaceableJobs += d.Unplaceable
	snapshot := p.current
	cb := p.onChange
	p.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Current returns a copy of the counters.
func (p *Progress) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Done reports whether every job reached a terminal state.
func (p *Progress) Done() bool {
	return p.Current().Done()
}

// Failed reports whether any job ended failed or unplaceable.
func (p *Progress) Failed() bool {
	return p.Current().Failed()
}

// String renders the running status line.
func (p *Progress) String() string {
	return p.Current().String()
}
