package indexer

import (
	"time"

	"github.com/locussearch/locus/internal/connector"
)

// Run and indexer status values. An indexer is idle or inProgress; a
// recorded run ends success or transientFailure, and a reset leaves a
// reset entry in the history.
const (
	StatusIdle             = "idle"
	StatusInProgress       = "inProgress"
	StatusSuccess          = "success"
	StatusTransientFailure = "transientFailure"
	StatusReset            = "reset"
)

// maxHistory bounds the persisted execution history per indexer.
const maxHistory = 50

// ItemError records one failed source item of a run.
type ItemError struct {
	Key          string `json:"key,omitempty"`
	ErrorMessage string `json:"errorMessage"`
	StatusCode   int    `json:"statusCode,omitempty"`
}

// ExecutionResult is one run's recorded outcome.
type ExecutionResult struct {
	Status               string      `json:"status"`
	ErrorMessage         string      `json:"errorMessage,omitempty"`
	StartTime            time.Time   `json:"startTime"`
	EndTime              time.Time   `json:"endTime"`
	ItemsProcessed       int         `json:"itemsProcessed"`
	ItemsFailed          int         `json:"itemsFailed"`
	Errors               []ItemError `json:"errors"`
	InitialTrackingState string      `json:"initialTrackingState,omitempty"`
	FinalTrackingState   string      `json:"finalTrackingState,omitempty"`
}

// Status is the full status document of an indexer: the live state plus
// the bounded run history, newest first.
type Status struct {
	Status           string            `json:"status"`
	LastResult       *ExecutionResult  `json:"lastResult,omitempty"`
	ExecutionHistory []ExecutionResult `json:"executionHistory"`
}

// persistedState is the blob stored per indexer between runs.
type persistedState struct {
	Tracking *connector.TrackingState `json:"trackingState,omitempty"`
	History  []ExecutionResult        `json:"executionHistory"`
}

func prependHistory(history []ExecutionResult, res ExecutionResult) []ExecutionResult {
	out := make([]ExecutionResult, 0, len(history)+1)
	out = append(out, res)
	out = append(out, history...)
	if len(out) > maxHistory {
		out = out[:maxHistory]
	}
	return out
}

// trackingString renders the tracking state for the status document.
func trackingString(t *connector.TrackingState) string {
	if t == nil || t.HighWater.IsZero() {
		return ""
	}
	return t.HighWater.UTC().Format(time.RFC3339Nano)
}
