package execution

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/statuswire/statuswire/errors"
)

// Callback is the raw status callback payload delivered by the external
// workflow engine. Field vocabulary is producer-specific.
type Callback struct {
	RunID      string            `json:"runId"`
	WorkflowID string            `json:"workflowId,omitempty"`
	Status     string            `json:"status"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	Error      string            `json:"error,omitempty"`
	SubjectRef string            `json:"subjectRef,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// Normalizer maps producer status vocabulary onto the canonical state
// machine. It has no side effects beyond producing a TransitionRequest; it
// never touches the store or the broker.
type Normalizer struct {
	logger *zap.SugaredLogger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *zap.SugaredLogger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize validates a producer callback and maps it to a TransitionRequest.
// Missing runId or status fails with errors.ErrValidation.
//
// Unrecognized status labels default to pending rather than being rejected:
// producers introduce new intermediate labels without coordination, and a
// dropped callback is worse than a conservative status. The fallback is
// logged as a warning so producer bugs stay visible.
func (n *Normalizer) Normalize(cb *Callback) (*TransitionRequest, error) {
	if cb.RunID == "" {
		return nil, errors.Wrap(errors.ErrValidation, "missing runId")
	}
	if cb.Status == "" {
		return nil, errors.Wrap(errors.ErrValidation, "missing status")
	}

	status := n.canonicalStatus(cb.RunID, cb.Status)

	req := &TransitionRequest{
		ID:          cb.RunID,
		WorkflowID:  cb.WorkflowID,
		SubjectRef:  cb.SubjectRef,
		Status:      status,
		StartedAt:   cb.StartedAt,
		ProcessedAt: cb.FinishedAt,
		Metadata:    cb.Data,
	}
	if cb.Error != "" {
		errMsg := cb.Error
		req.ErrorMessage = &errMsg
	}

	return req, nil
}

// canonicalStatus maps producer vocabulary to the canonical status.
func (n *Normalizer) canonicalStatus(runID, raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "started", "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "failed", "cancelled":
		return StatusFailed
	default:
		n.logger.Warnw("Unrecognized producer status, defaulting to pending",
			"run_id", runID,
			"status", raw,
		)
		return StatusPending
	}
}
