package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestApplyNeverRegressesTerminal(t *testing.T) {
	now := time.Now().UTC()
	record := newRecord(&TransitionRequest{ID: "r1", Status: StatusCompleted}, now)

	record.apply(&TransitionRequest{
		ID:           "r1",
		Status:       StatusRunning,
		ErrorMessage: strPtr("late error"),
		Metadata:     map[string]string{"attempt": "2"},
	}, now.Add(time.Second))

	// Terminal status wins, but metadata and error merge additively.
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, "late error", *record.ErrorMessage)
	assert.Equal(t, "2", record.Metadata["attempt"])
}

func TestApplyAdvancesAlongStateMachine(t *testing.T) {
	now := time.Now().UTC()
	record := newRecord(&TransitionRequest{ID: "r1", Status: StatusPending}, now)

	record.apply(&TransitionRequest{ID: "r1", Status: StatusRunning}, now)
	assert.Equal(t, StatusRunning, record.Status)

	record.apply(&TransitionRequest{ID: "r1", Status: StatusPending}, now)
	assert.Equal(t, StatusRunning, record.Status, "earlier state must not overwrite later one")

	record.apply(&TransitionRequest{ID: "r1", Status: StatusFailed}, now)
	assert.Equal(t, StatusFailed, record.Status)
}

func TestApplyIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	processed := now.Add(time.Minute)
	req := &TransitionRequest{
		ID:          "r1",
		Status:      StatusCompleted,
		ProcessedAt: &processed,
		Metadata:    map[string]string{"userId": "u1"},
	}

	once := newRecord(&TransitionRequest{ID: "r1", Status: StatusRunning}, now)
	once.apply(req, now)

	twice := newRecord(&TransitionRequest{ID: "r1", Status: StatusRunning}, now)
	twice.apply(req, now)
	twice.apply(req, now)

	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, once.ProcessedAt, twice.ProcessedAt)
	assert.Equal(t, once.Metadata, twice.Metadata)
}

func TestNewRecordDefaultsStartedAt(t *testing.T) {
	now := time.Now().UTC()
	record := newRecord(&TransitionRequest{ID: "r1", Status: StatusCompleted}, now)
	assert.Equal(t, now, record.StartedAt, "completion without a prior started event still gets a start time")
}

func strPtr(s string) *string { return &s }
