package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the run processed every eligible record.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run stopped on a fatal error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusInterrupted indicates the run was cancelled between sub-batches.
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusInterrupted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// Outcome is the typed result of querying one tracking id.
type Outcome string

const (
	// OutcomeFound means the provider returned non-empty status text.
	OutcomeFound Outcome = "found"

	// OutcomeNoData means every attempt completed but returned no text.
	OutcomeNoData Outcome = "no_data"

	// OutcomeFailed means the last attempt ended with an error.
	OutcomeFailed Outcome = "failed"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeFound, OutcomeNoData, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}
