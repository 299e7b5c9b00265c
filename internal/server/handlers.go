package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/analytics"
	"github.com/kubilitics/anomaly-hunter/internal/db"
	"github.com/kubilitics/anomaly-hunter/internal/learning"
	"github.com/kubilitics/anomaly-hunter/internal/middleware"
	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/types"
)

const (
	defaultListLimit        = 50
	maxListLimit            = 500
	learningHistoryLimit    = 10
	defaultRecentEventLimit = 100
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an ErrorResponse
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: code})
}

// detectionErrorStatus maps engine errors to HTTP statuses
func detectionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrAllStrategiesFailed):
		return http.StatusServiceUnavailable, "all_strategies_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request: %v", err))
		return false
	}
	return true
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !s.IsRunning() {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   s.config.StorageDriver,
		Oracle:    s.config.OracleEnabled,
		Timestamp: time.Now().UTC(),
	})
}

// handleDetect runs one detection
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req types.DetectRequest
	if !s.decode(w, r, &req) {
		return
	}

	verdict, err := s.deps.Engine.Investigate(r.Context(), req.Series())
	if err != nil {
		status, code := detectionErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("detection failed",
				zap.String("client", middleware.ClientIP(r)),
				zap.Error(err),
			)
		}
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

// handleDetectBatch runs detection over several named series
func (s *Server) handleDetectBatch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchDetectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Series) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "series cannot be empty")
		return
	}

	items := make([]analytics.NamedSeries, 0, len(req.Series))
	for i, item := range req.Series {
		name := item.Name
		if name == "" {
			name = "series-" + strconv.Itoa(i)
		}
		items = append(items, analytics.NamedSeries{Name: name, Series: item.Series()})
	}

	results, err := s.deps.Pipeline.Run(r.Context(), items)
	if err != nil {
		status, code := detectionErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.BatchDetectResponse{
		Results: results,
		Summary: analytics.Summarize(results),
	})
}

// handleLastBatch returns the results of the most recent completed batch
func (s *Server) handleLastBatch(w http.ResponseWriter, r *http.Request) {
	results := s.deps.Pipeline.Last()
	if len(results) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no batch has completed")
		return
	}
	writeJSON(w, http.StatusOK, types.BatchDetectResponse{
		Results: results,
		Summary: analytics.Summarize(results),
	})
}

// handleLearning returns the tracker snapshot with suggestions
func (s *Server) handleLearning(w http.ResponseWriter, r *http.Request) {
	suggestions := s.deps.Tracker.Suggestions()
	if suggestions == nil {
		suggestions = []string{}
	}
	writeJSON(w, http.StatusOK, types.LearningResponse{
		Snapshot:             s.deps.Tracker.Snapshot(),
		Suggestions:          suggestions,
		SuccessfulStrategies: s.deps.Tracker.SuccessfulStrategies(learningHistoryLimit),
	})
}

// handleFeedback records a correctness label for a past run
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req types.FeedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Correct == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "correct is required")
		return
	}
	strategy := models.StrategyID(req.Strategy)
	if strategy != "" && !strategy.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_strategy", fmt.Sprintf("unknown strategy %q", req.Strategy))
		return
	}

	err := s.deps.Tracker.RecordFeedback(r.Context(), runID, strategy, *req.Correct)
	switch {
	case errors.Is(err, learning.ErrUnknownRun):
		writeError(w, http.StatusNotFound, "unknown_run", err.Error())
		return
	case errors.Is(err, learning.ErrStrategyNotInRun):
		writeError(w, http.StatusBadRequest, "strategy_not_in_run", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if err := s.deps.Audit.LogFeedback(r.Context(), runID, strategy, *req.Correct); err != nil {
		s.logger.Warn("failed to audit feedback", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, types.FeedbackResponse{
		RunID:    runID,
		Strategy: req.Strategy,
		Correct:  *req.Correct,
		Status:   "recorded",
	})
}

func toRunResponse(rec *db.RunRecord) types.RunResponse {
	resp := types.RunResponse{
		RunID:          rec.RunID,
		CreatedAt:      rec.CreatedAt,
		Severity:       rec.Severity,
		Confidence:     rec.Confidence,
		AnomalyCount:   rec.AnomalyCount,
		Recommendation: rec.Recommendation,
		Degraded:       rec.Degraded,
	}
	if rec.Verdict != "" {
		resp.Verdict = json.RawMessage(rec.Verdict)
	}
	return resp
}

// handleGetRun returns a stored run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "history_disabled", "run history is not configured")
		return
	}
	rec, err := s.deps.Runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(rec))
}

// handleListRuns lists stored runs newest first, without verdict bodies
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "history_disabled", "run history is not configured")
		return
	}
	limit := queryInt(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	recs, err := s.deps.Runs.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	out := make([]types.RunResponse, 0, len(recs))
	for _, rec := range recs {
		resp := toRunResponse(rec)
		resp.Verdict = nil
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRecentEvents returns buffered detection events
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRecentEventLimit)
	minSeverity := queryInt(r, "min_severity", 0)
	evs := s.deps.Recent.Recent(limit, minSeverity)
	writeJSON(w, http.StatusOK, types.RecentEventsResponse{Events: evs, Count: len(evs)})
}

// handleEventStats returns aggregate statistics of buffered events
func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recent.Stats())
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
