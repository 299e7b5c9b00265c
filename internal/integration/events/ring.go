package events

import (
	"context"
	"sync"
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

const defaultRingSize = 1000

// ─── Ring buffer ───────────────────────────────────────────────────────────────

type ringBuffer struct {
	mu    sync.RWMutex
	items []*contracts.DetectionEvent
	head  int // index of next write position
	size  int // current fill level
	cap   int // total capacity
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		items: make([]*contracts.DetectionEvent, capacity),
		cap:   capacity,
	}
}

func (rb *ringBuffer) Push(ev *contracts.DetectionEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.items[rb.head] = ev
	rb.head = (rb.head + 1) % rb.cap
	if rb.size < rb.cap {
		rb.size++
	}
}

// Snapshot returns all events in chronological order (oldest first).
func (rb *ringBuffer) Snapshot() []*contracts.DetectionEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	result := make([]*contracts.DetectionEvent, 0, rb.size)
	if rb.size < rb.cap {
		// Buffer not yet wrapped: [0..size)
		for i := 0; i < rb.size; i++ {
			result = append(result, rb.items[i])
		}
	} else {
		// Buffer has wrapped: oldest element is at rb.head
		for i := 0; i < rb.cap; i++ {
			result = append(result, rb.items[(rb.head+i)%rb.cap])
		}
	}
	return result
}

// ─── Recent events sink ───────────────────────────────────────────────────────

// EventStats holds aggregate statistics over the buffered events.
type EventStats struct {
	TotalEvents     int            `json:"total_events"`
	Buffered        int            `json:"buffered"`
	DegradedEvents  int            `json:"degraded_events"`
	MaxSeverity     int            `json:"max_severity"`
	BySeverity      map[int]int    `json:"by_severity"`
	SkippedByReason map[string]int `json:"skipped_by_strategy"`
	LastEventAt     time.Time      `json:"last_event_at"`
}

// RecentEvents keeps the last N detection events in memory.
type RecentEvents struct {
	ring *ringBuffer

	mu    sync.Mutex
	total int
}

// NewRecentEvents creates a ring of the given capacity.
func NewRecentEvents(capacity int) *RecentEvents {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &RecentEvents{ring: newRingBuffer(capacity)}
}

func (r *RecentEvents) Name() string { return "ring" }

// Publish stores the event.
func (r *RecentEvents) Publish(_ context.Context, _ *models.Verdict, ev contracts.DetectionEvent) error {
	r.ring.Push(&ev)
	r.mu.Lock()
	r.total++
	r.mu.Unlock()
	return nil
}

// Recent returns up to limit events, newest first, with severity >= minSeverity.
func (r *RecentEvents) Recent(limit, minSeverity int) []contracts.DetectionEvent {
	all := r.ring.Snapshot()
	if limit <= 0 {
		limit = len(all)
	}
	result := make([]contracts.DetectionEvent, 0, limit)
	// Iterate newest-first.
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if all[i].Severity < minSeverity {
			continue
		}
		result = append(result, *all[i])
	}
	return result
}

// Stats returns aggregate statistics.
func (r *RecentEvents) Stats() EventStats {
	all := r.ring.Snapshot()
	r.mu.Lock()
	total := r.total
	r.mu.Unlock()

	stats := EventStats{
		TotalEvents:     total,
		Buffered:        len(all),
		BySeverity:      make(map[int]int),
		SkippedByReason: make(map[string]int),
	}
	for _, ev := range all {
		stats.BySeverity[ev.Severity]++
		if ev.Degraded {
			stats.DegradedEvents++
		}
		if ev.Severity > stats.MaxSeverity {
			stats.MaxSeverity = ev.Severity
		}
		for _, s := range ev.Skipped {
			stats.SkippedByReason[s]++
		}
		if ev.Timestamp.After(stats.LastEventAt) {
			stats.LastEventAt = ev.Timestamp
		}
	}
	return stats
}
