// Package runtrace counts what happened to donation-ledger entries during one
// reconciliation run.
package runtrace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/dankchat-api/internal/logging"
)

// Stage names a step of a reconciliation run.
type Stage string

const (
	StagePageFetched      Stage = "page_fetched"
	StagePageFailed       Stage = "page_failed"
	StageDocSeen          Stage = "doc_seen"
	StageCandidate        Stage = "candidate"
	StageAlreadyKnown     Stage = "already_known"
	StageResolvedPrimary  Stage = "resolved_primary"
	StageResolvedFallback Stage = "resolved_fallback"
	StageUnresolved       Stage = "unresolved"
	StageOptedOut         Stage = "opted_out"
	StageInserted         Stage = "inserted"
	StageDuplicate        Stage = "duplicate"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for an entry dropped for reason.
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// RunTrace carries the counters of one run. It is safe for concurrent use.
type RunTrace struct {
	RunID     string
	Channel   string
	Trigger   string
	StartedAt time.Time

	mu       sync.Mutex
	counters map[Stage]int64
}

func New(channel, trigger string, now time.Time) *RunTrace {
	return &RunTrace{
		RunID:     uuid.NewString(),
		Channel:   channel,
		Trigger:   trigger,
		StartedAt: now,
		counters:  make(map[Stage]int64),
	}
}

// IncCounter increments stage and returns the updated value.
func (t *RunTrace) IncCounter(stage Stage) int64 {
	return t.Add(stage, 1)
}

func (t *RunTrace) Add(stage Stage, n int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage] += n
	return t.counters[stage]
}

func (t *RunTrace) Counter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace logs the run metadata and counters. A nil logger logs through the
// process logger.
func (t *RunTrace) LogTrace(logger *slog.Logger, msg string, now time.Time) {
	if logger == nil {
		logger = logging.NewSlogLogger()
	}

	logger.Info(msg,
		"run_id", t.RunID,
		"channel", t.Channel,
		"trigger", t.Trigger,
		"duration", now.Sub(t.StartedAt),
		"counters", t.Snapshot(),
	)
}

func (t *RunTrace) Snapshot() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}
