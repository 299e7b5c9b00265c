package models

import (
	"math"
	"time"
	"unicode/utf8"
)

// Package models defines core data types used throughout anomaly-hunter.
//
// These types flow between the detectors, the synthesis engine, the adaptive
// weight tracker and every outbound integration (HTTP, websocket, Kafka,
// archive). Series, Finding and Verdict are run-local and must not be mutated
// after construction.

// StrategyID identifies one of the detection strategies.
type StrategyID string

const (
	StrategyStatistical StrategyID = "statistical"
	StrategyDrift       StrategyID = "drift"
	StrategyCluster     StrategyID = "cluster"
)

// AllStrategies lists the known strategies in their canonical order.
var AllStrategies = []StrategyID{StrategyStatistical, StrategyDrift, StrategyCluster}

// Valid reports whether s is a known strategy.
func (s StrategyID) Valid() bool {
	for _, known := range AllStrategies {
		if s == known {
			return true
		}
	}
	return false
}

// Series is an ordered sequence of numeric samples with optional timestamps
// and an opaque metadata map.
type Series struct {
	Values     []float64         `json:"values"`
	Timestamps []time.Time       `json:"timestamps,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Len returns the number of samples.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Values)
}

// Validate rejects series that cannot be analysed.
func (s *Series) Validate() error {
	if s == nil || len(s.Values) == 0 {
		return &InvalidInputError{Reason: "series is empty"}
	}
	finite := 0
	for _, v := range s.Values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite++
		}
	}
	if finite == 0 {
		return &InvalidInputError{Reason: "series contains no finite values"}
	}
	if len(s.Timestamps) > 0 && len(s.Timestamps) != len(s.Values) {
		return &InvalidInputError{Reason: "timestamps length does not match values length"}
	}
	return nil
}

// Finite returns the series restricted to its finite samples and, for each
// kept sample, its position in s. Positions is nil when every sample is
// finite, in which case s itself is returned.
func (s *Series) Finite() (clean *Series, positions []int) {
	dropped := 0
	for _, v := range s.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			dropped++
		}
	}
	if dropped == 0 {
		return s, nil
	}

	kept := len(s.Values) - dropped
	clean = &Series{Values: make([]float64, 0, kept), Metadata: s.Metadata}
	positions = make([]int, 0, kept)
	if len(s.Timestamps) > 0 {
		clean.Timestamps = make([]time.Time, 0, kept)
	}
	for i, v := range s.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		clean.Values = append(clean.Values, v)
		positions = append(positions, i)
		if clean.Timestamps != nil {
			clean.Timestamps = append(clean.Timestamps, s.Timestamps[i])
		}
	}
	return clean, positions
}

// OriginalIndex maps an index of a Finite series back to the source series.
func OriginalIndex(positions []int, i int) int {
	if positions == nil {
		return i
	}
	return positions[i]
}

// OriginalIndices maps indices of a Finite series back to the source series.
func OriginalIndices(positions []int, indices []int) []int {
	if positions == nil {
		return indices
	}
	out := make([]int, len(indices))
	for k, i := range indices {
		out[k] = positions[i]
	}
	return out
}

// TruncateText cuts s to at most limit bytes without splitting a UTF-8
// sequence.
func TruncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Evidence is a bag of detector-specific numeric facts.
type Evidence map[string]float64

// Finding is the output of one detector for one series.
type Finding struct {
	Strategy       StrategyID `json:"strategy"`
	AnomalyIndices []int      `json:"anomaly_indices"`
	Severity       int        `json:"severity"`
	Confidence     float64    `json:"confidence"`
	Evidence       Evidence   `json:"evidence"`
	// Summary is the oracle's prose, or a deterministic description when the
	// oracle was not consulted.
	Summary string `json:"summary"`
	// Details carries supporting strings: top deviations, hypotheses.
	Details []string `json:"details,omitempty"`
	// OracleUsed is false when the deterministic fallback produced severity.
	OracleUsed bool `json:"oracle_used"`
}

// SkippedStrategy records a detector excluded from synthesis.
type SkippedStrategy struct {
	Strategy StrategyID `json:"strategy"`
	Reason   string     `json:"reason"`
}

// Verdict is the synthesized output of one detection run.
type Verdict struct {
	RunID          string            `json:"run_id"`
	Timestamp      time.Time         `json:"timestamp"`
	Duration       time.Duration     `json:"duration"`
	Severity       int               `json:"severity"`
	Confidence     float64           `json:"confidence"`
	AnomalyIndices []int             `json:"anomaly_indices"`
	Recommendation string            `json:"recommendation"`
	Summary        string            `json:"summary"`
	Findings       []Finding         `json:"findings"`
	Skipped        []SkippedStrategy `json:"skipped,omitempty"`
	// Weights are the adaptive weights observed before this run was recorded.
	Weights map[StrategyID]float64 `json:"weights,omitempty"`
}

// Degraded reports whether one or more strategies were skipped.
func (v *Verdict) Degraded() bool {
	return len(v.Findings) < len(AllStrategies)
}

// StrategyPerformanceRecord is the persisted learning state for one strategy.
type StrategyPerformanceRecord struct {
	Strategy             StrategyID `json:"strategy" db:"strategy_id"`
	TotalRuns            int64      `json:"total_runs" db:"total_runs"`
	RunningConfidenceSum float64    `json:"running_confidence_sum" db:"running_confidence_sum"`
	// Feedback counters are only touched by explicit correctness labels.
	FeedbackTotal   int64     `json:"feedback_total" db:"feedback_total"`
	FeedbackCorrect int64     `json:"feedback_correct" db:"feedback_correct"`
	UpdatedAt       time.Time `json:"updated_at" db:"-"`
}

// AvgConfidence is the cumulative mean confidence, or 0 without runs.
func (r StrategyPerformanceRecord) AvgConfidence() float64 {
	if r.TotalRuns == 0 {
		return 0
	}
	return r.RunningConfidenceSum / float64(r.TotalRuns)
}

// Accuracy is the share of correct feedback labels, or -1 without feedback.
func (r StrategyPerformanceRecord) Accuracy() float64 {
	if r.FeedbackTotal == 0 {
		return -1
	}
	return float64(r.FeedbackCorrect) / float64(r.FeedbackTotal)
}

// SuccessfulStrategy is a high-confidence verdict kept for historical context.
type SuccessfulStrategy struct {
	RunID          string    `json:"run_id" db:"run_id"`
	Timestamp      time.Time `json:"timestamp" db:"-"`
	Severity       int       `json:"severity" db:"severity"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	AnomalyCount   int       `json:"anomaly_count" db:"anomaly_count"`
	AgentAgreement float64   `json:"agent_agreement" db:"agent_agreement"`
	Summary        string    `json:"summary" db:"summary"`
}
