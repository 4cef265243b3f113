package server

import (
	"net/http"

	"github.com/statuswire/statuswire/errors"
	"github.com/statuswire/statuswire/execution"
)

// HandleCallback ingests a status callback from the external workflow
// engine. The pipeline is normalize -> persist -> publish, strictly in that
// order: the broadcast goes out only after the store commit, so a client
// that queries storage right after receiving the event sees consistent data.
//
// Validation failures are 400 and must not be retried by the producer.
// Persistence failures are 503 and retryable; no event is published for
// them, so consumers see nothing rather than an unpersisted update.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "Ingestion rate limit exceeded")
		return
	}

	var cb execution.Callback
	if err := readJSON(w, r, &cb); err != nil {
		return
	}

	req, err := s.normalizer.Normalize(&cb)
	if err != nil {
		s.logger.Warnw("Rejected malformed callback",
			"run_id", cb.RunID,
			"error", err,
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.store.ApplyTransition(r.Context(), req)
	if err != nil {
		if errors.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Errorw("Failed to persist transition",
			"execution_id", req.ID,
			"status", req.Status,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "Persistence failed, retry later")
		return
	}

	s.publish(record)

	s.logger.Infow("Ingested execution update",
		"execution_id", record.ID,
		"status", record.Status,
	)

	writeJSON(w, http.StatusOK, CallbackResponse{
		ExecutionID: record.ID,
		Status:      string(record.Status),
	})
}
