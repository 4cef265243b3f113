// Package execution tracks the lifecycle of long-running background
// executions reported by an external workflow engine.
//
// Producer callbacks are normalized into a canonical four-state machine
// (pending -> running -> completed|failed), durably recorded, and handed to
// the broadcast layer for fan-out to streaming clients.
package execution

import (
	"time"
)

// Status is the canonical execution state, independent of producer-specific
// vocabulary.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the canonical statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// rank orders statuses along the state machine so that out-of-order delivery
// never moves a record backwards.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

// Record represents one tracked background execution.
type Record struct {
	ID            string            `json:"id"`
	ExternalRunID string            `json:"external_run_id,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	SubjectRef    string            `json:"subject_ref,omitempty"`
	Status        Status            `json:"status"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TransitionRequest is a normalized request to move an execution to a new
// canonical status. Produced by the normalizer, consumed by the store.
type TransitionRequest struct {
	ID           string            `json:"id"`
	WorkflowID   string            `json:"workflow_id,omitempty"`
	SubjectRef   string            `json:"subject_ref,omitempty"`
	Status       Status            `json:"status"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// apply merges a transition into an existing record, honoring the
// monotonicity invariant: terminal statuses never regress, and an "earlier"
// status never overwrites a later one. Metadata and error message from the
// request are merged additively either way.
func (r *Record) apply(req *TransitionRequest, now time.Time) {
	if req.Status.rank() > r.Status.rank() {
		r.Status = req.Status
	}

	if req.WorkflowID != "" {
		r.WorkflowID = req.WorkflowID
	}
	if req.SubjectRef != "" {
		r.SubjectRef = req.SubjectRef
	}
	if req.ProcessedAt != nil {
		r.ProcessedAt = req.ProcessedAt
	}
	if req.ErrorMessage != nil {
		r.ErrorMessage = req.ErrorMessage
	}
	if len(req.Metadata) > 0 {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			r.Metadata[k] = v
		}
	}
	r.UpdatedAt = now
}

// newRecord creates a record for an execution seen for the first time. The
// producer may signal completion without a prior "started" event, so the
// incoming status becomes the initial status as-is.
func newRecord(req *TransitionRequest, now time.Time) *Record {
	startedAt := now
	if req.StartedAt != nil {
		startedAt = *req.StartedAt
	}

	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	return &Record{
		ID:            req.ID,
		ExternalRunID: req.ID,
		WorkflowID:    req.WorkflowID,
		SubjectRef:    req.SubjectRef,
		Status:        req.Status,
		ErrorMessage:  req.ErrorMessage,
		Metadata:      metadata,
		StartedAt:     startedAt,
		ProcessedAt:   req.ProcessedAt,
		UpdatedAt:     now,
	}
}
