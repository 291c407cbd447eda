package importer

import (
	"sync"
	"time"
)

// Progress tracks the import run in progress, if any.
type Progress struct {
	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	mode      string
	total     int
	processed int
	skipped   int
	failed    int
}

// ProgressSnapshot is a copy of the progress at one point in time.
type ProgressSnapshot struct {
	IsRunning bool       `json:"isRunning"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Mode      string     `json:"mode,omitempty"`
	Total     int        `json:"total"`
	Processed int        `json:"processed"`
	Skipped   int        `json:"skipped"`
	Failed    int        `json:"failed"`
}

// Snapshot returns a copy of the current progress.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := ProgressSnapshot{
		IsRunning: p.running,
		Mode:      p.mode,
		Total:     p.total,
		Processed: p.processed,
		Skipped:   p.skipped,
		Failed:    p.failed,
	}
	if p.running {
		startedAt := p.startedAt
		s.StartedAt = &startedAt
	}
	return s
}

func (p *Progress) start(mode string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = true
	p.startedAt = time.Now()
	p.mode = mode
	p.total = total
	p.processed, p.skipped, p.failed = 0, 0, 0
}

func (p *Progress) record(outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch outcome {
	case Processed:
		p.processed++
	case Skipped:
		p.skipped++
	case Failed:
		p.failed++
	}
}

func (p *Progress) end() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = false
}
