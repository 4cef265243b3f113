package broker

import (
	"encoding/json"
	"time"

	"github.com/statuswire/statuswire/errors"
	"github.com/statuswire/statuswire/execution"
)

// Event is the canonical message describing one execution state change.
// Immutable once constructed; every subscriber receives its own copy of the
// encoded payload.
type Event struct {
	ID           string            `json:"id"`
	SubjectRef   string            `json:"subject_ref,omitempty"`
	Status       execution.Status  `json:"status"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PublishedAt  time.Time         `json:"published_at"`
}

// NewEvent builds the broadcast event for a freshly persisted record.
func NewEvent(record *execution.Record) *Event {
	return &Event{
		ID:           record.ID,
		SubjectRef:   record.SubjectRef,
		Status:       record.Status,
		ProcessedAt:  record.ProcessedAt,
		ErrorMessage: record.ErrorMessage,
		Metadata:     record.Metadata,
		PublishedAt:  time.Now().UTC(),
	}
}

// UserID returns the owning user recorded in the event metadata, or "" when
// the event is not attributed to a user.
func (e *Event) UserID() string {
	return e.Metadata["userId"]
}

// Encode marshals the event for publishing.
func (e *Event) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encode event for %s", e.ID)
	}
	return payload, nil
}
