/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All fatal error types in one place. Per-line problems (missing area,
  no meters, bad formula) are NOT errors: they zero the line and are
  reported in its basis text. Only structural failures surface here.

ERROR CATEGORIES:
  1. Lookup errors - building or period does not exist
  2. Conflict errors - a run for the same building/year is in progress
  3. Validation errors - malformed request (year out of range)
  4. Store errors - persistence failed, previous results are intact

SEE ALSO:
  - engine.go: wraps store failures in CalculationError
  - api/handlers.go: maps these to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBuildingNotFound is returned when the requested building does not exist.
	ErrBuildingNotFound = errors.New("building not found")

	// ErrPeriodNotFound is returned when no billing period exists for a building/year.
	ErrPeriodNotFound = errors.New("billing period not found")

	// ErrResultNotFound is returned when a unit has no result in a period.
	ErrResultNotFound = errors.New("billing result not found")

	// ErrCalculationInProgress is returned when a calculation for the same
	// building and year is already running.
	ErrCalculationInProgress = errors.New("calculation already in progress")

	// ErrInvalidYear is returned for years outside 1900..9999.
	ErrInvalidYear = errors.New("invalid billing year")

	// ErrPersistFailed is returned when results could not be written.
	// The previous results of the period are untouched.
	ErrPersistFailed = errors.New("failed to persist billing results")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// Stage names the step of a calculation that failed.
type Stage string

const (
	StageLoad     Stage = "load"
	StageAllocate Stage = "allocate"
	StagePersist  Stage = "persist"
)

// CalculationError wraps a fatal failure with the run it belongs to.
type CalculationError struct {
	BuildingID BuildingID
	Year       int
	Stage      Stage
	Err        error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculate %s/%d: %s: %v", e.BuildingID, e.Year, e.Stage, e.Err)
}

func (e *CalculationError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBuildingNotFound) ||
		errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrResultNotFound)
}

// IsConflict returns true if the request collided with a running calculation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCalculationInProgress)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidYear)
}

// ValidateYear checks that year is a plausible billing year.
func ValidateYear(year int) error {
	if year < 1900 || year > 9999 {
		return fmt.Errorf("%w: %d", ErrInvalidYear, year)
	}
	return nil
}
