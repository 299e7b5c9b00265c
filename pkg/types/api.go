package types

import (
	"encoding/json"
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/analytics"
	"github.com/kubilitics/anomaly-hunter/internal/learning"
	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

// Package types defines the public REST API types of anomaly-hunter.

// Request types

// DetectRequest submits one series for detection.
type DetectRequest struct {
	Values     []float64         `json:"values"`
	Timestamps []time.Time       `json:"timestamps,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Series converts the request to the domain type.
func (r DetectRequest) Series() *models.Series {
	return &models.Series{Values: r.Values, Timestamps: r.Timestamps, Metadata: r.Metadata}
}

// FeedbackRequest labels a past run. An empty strategy labels every
// strategy of the run.
type FeedbackRequest struct {
	Strategy string `json:"strategy,omitempty"`
	Correct  *bool  `json:"correct"`
}

// Response types

// LearningResponse is the learning dashboard export.
type LearningResponse struct {
	Snapshot             learning.Snapshot           `json:"snapshot"`
	Suggestions          []string                    `json:"suggestions"`
	SuccessfulStrategies []models.SuccessfulStrategy `json:"successful_strategies"`
}

// FeedbackResponse acknowledges a label.
type FeedbackResponse struct {
	RunID    string `json:"run_id"`
	Strategy string `json:"strategy,omitempty"`
	Correct  bool   `json:"correct"`
	Status   string `json:"status"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is returned by the info endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Storage   string    `json:"storage"`
	Oracle    bool      `json:"oracle"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchDetectRequest submits several named series at once.
type BatchDetectRequest struct {
	Series []NamedDetectRequest `json:"series"`
}

// NamedDetectRequest is one entry of a batch.
type NamedDetectRequest struct {
	Name string `json:"name"`
	DetectRequest
}

// BatchDetectResponse carries per-series results in request order.
type BatchDetectResponse struct {
	Results []analytics.BatchResult `json:"results"`
	Summary analytics.BatchSummary  `json:"summary"`
}

// RunResponse is a stored detection run.
type RunResponse struct {
	RunID          string          `json:"run_id"`
	CreatedAt      time.Time       `json:"created_at"`
	Severity       int             `json:"severity"`
	Confidence     float64         `json:"confidence"`
	AnomalyCount   int             `json:"anomaly_count"`
	Recommendation string          `json:"recommendation"`
	Degraded       bool            `json:"degraded"`
	Verdict        json.RawMessage `json:"verdict,omitempty"`
}

// RecentEventsResponse lists buffered detection events, newest first.
type RecentEventsResponse struct {
	Events []contracts.DetectionEvent `json:"events"`
	Count  int                        `json:"count"`
}
