package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidInput marks series rejected before any detector runs.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAllStrategiesFailed marks runs where no detector produced a finding.
	ErrAllStrategiesFailed = errors.New("all strategies failed")

	// ErrOracleUnavailable is returned by oracles that cannot be reached.
	// Detectors recover from it with their deterministic fallback.
	ErrOracleUnavailable = errors.New("oracle unavailable")
)

// InvalidInputError describes why a series was rejected.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// Is makes errors.Is(err, ErrInvalidInput) hold.
func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// DetectorFailure wraps an error raised by a single detector, including
// timeouts.
type DetectorFailure struct {
	Strategy StrategyID
	Err      error
}

func (e *DetectorFailure) Error() string {
	return fmt.Sprintf("detector %s failed: %v", e.Strategy, e.Err)
}

func (e *DetectorFailure) Unwrap() error {
	return e.Err
}

// AllStrategiesFailedError carries every detector failure of a run.
type AllStrategiesFailedError struct {
	Failures []*DetectorFailure
}

func (e *AllStrategiesFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	sort.Strings(parts)
	return fmt.Sprintf("all strategies failed: %s", strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrAllStrategiesFailed) hold.
func (e *AllStrategiesFailedError) Is(target error) bool {
	return target == ErrAllStrategiesFailed
}
