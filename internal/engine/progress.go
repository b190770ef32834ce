package engine

import (
	"sync/atomic"

	"github.com/sells-group/facility-locator/internal/model"
)

// Progress aggregates the counters of one running batch. Workers update it
// with atomic increments only; the per-status map is fixed at construction
// so it is never written after that.
type Progress struct {
	batchID   string
	total     int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	perStatus map[model.Status]*atomic.Int64
	status    atomic.Value // model.BatchStatus
	done      atomic.Bool
}

// NewProgress creates the aggregator for a batch of total queries.
func NewProgress(batchID string, total int) *Progress {
	p := &Progress{
		batchID:   batchID,
		total:     int64(total),
		perStatus: make(map[model.Status]*atomic.Int64, len(model.Statuses)),
	}
	for _, s := range model.Statuses {
		p.perStatus[s] = new(atomic.Int64)
	}
	p.status.Store(model.BatchRunning)
	return p
}

// Succeeded records a persisted result with the given status.
func (p *Progress) Succeeded(s model.Status) {
	if c, ok := p.perStatus[s]; ok {
		c.Add(1)
	}
	p.succeeded.Add(1)
	p.processed.Add(1)
}

// Failed records a job whose result could not be persisted.
func (p *Progress) Failed() {
	p.failed.Add(1)
	p.processed.Add(1)
}

// Skipped records a job that was never started because the batch was cancelled.
func (p *Progress) Skipped() {
	p.skipped.Add(1)
}

// Finish marks the batch done with its final status.
func (p *Progress) Finish(s model.BatchStatus) {
	p.status.Store(s)
	p.done.Store(true)
}

// Snapshot returns a point-in-time copy of the counters.
func (p *Progress) Snapshot() model.BatchProgress {
	snap := model.BatchProgress{
		BatchID:   p.batchID,
		Status:    p.status.Load().(model.BatchStatus),
		Total:     p.total,
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		PerStatus: make(map[model.Status]int64),
		Done:      p.done.Load(),
	}
	for s, c := range p.perStatus {
		if n := c.Load(); n > 0 {
			snap.PerStatus[s] = n
		}
	}
	return snap
}
