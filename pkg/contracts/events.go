package contracts

import (
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Package contracts defines the detection event contract shared with
// downstream consumers (Kafka topic, object archive, websocket clients).
//
// Consumers must tolerate unknown fields; fields are only ever added.

const (
	// MaxEventAnomalies caps the anomaly indices carried by one event.
	MaxEventAnomalies = 20

	// MaxEventSummary caps the summary length in bytes; cuts fall on a
	// character boundary.
	MaxEventSummary = 500

	// EventVersion is bumped on incompatible changes.
	EventVersion = "1"
)

// DetectionEvent is emitted once per completed detection run.
type DetectionEvent struct {
	Version        string           `json:"version"`
	RunID          string           `json:"run_id"`
	Timestamp      time.Time        `json:"timestamp"`
	Severity       int              `json:"severity"`
	Confidence     float64          `json:"confidence"`
	AnomalyCount   int              `json:"anomaly_count"`
	Anomalies      []int            `json:"anomalies"`
	Summary        string           `json:"summary"`
	Recommendation string           `json:"recommendation"`
	Degraded       bool             `json:"degraded"`
	Findings       []FindingSummary `json:"findings"`
	Skipped        []string         `json:"skipped,omitempty"`
}

// FindingSummary is the per-strategy part of an event.
type FindingSummary struct {
	Strategy     string  `json:"strategy"`
	Severity     int     `json:"severity"`
	Confidence   float64 `json:"confidence"`
	AnomalyCount int     `json:"anomaly_count"`
}

// NewDetectionEvent builds the event of a verdict.
func NewDetectionEvent(v *models.Verdict) DetectionEvent {
	anomalies := v.AnomalyIndices
	if len(anomalies) > MaxEventAnomalies {
		anomalies = anomalies[:MaxEventAnomalies]
	}
	summary := models.TruncateText(v.Summary, MaxEventSummary)

	ev := DetectionEvent{
		Version:        EventVersion,
		RunID:          v.RunID,
		Timestamp:      v.Timestamp,
		Severity:       v.Severity,
		Confidence:     v.Confidence,
		AnomalyCount:   len(v.AnomalyIndices),
		Anomalies:      append([]int{}, anomalies...),
		Summary:        summary,
		Recommendation: v.Recommendation,
		Degraded:       v.Degraded(),
		Findings:       make([]FindingSummary, 0, len(v.Findings)),
	}
	for _, f := range v.Findings {
		ev.Findings = append(ev.Findings, FindingSummary{
			Strategy:     string(f.Strategy),
			Severity:     f.Severity,
			Confidence:   f.Confidence,
			AnomalyCount: len(f.AnomalyIndices),
		})
	}
	for _, s := range v.Skipped {
		ev.Skipped = append(ev.Skipped, string(s.Strategy))
	}
	return ev
}
