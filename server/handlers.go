package server

import (
	"net/http"
	"strings"

	"github.com/statuswire/statuswire/broker"
	"github.com/statuswire/statuswire/errors"
	"github.com/statuswire/statuswire/execution"
)

// HandleExecution serves one execution record by id. The last-event cache
// answers fresh queries without touching the durable store; misses fall
// through to the store.
func (s *Server) HandleExecution(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/executions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "Invalid execution id")
		return
	}

	if event := s.cache.Get(id); event != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"executionId": event.ID,
			"status":      event.Status,
			"lastEvent":   event,
			"cached":      true,
		})
		return
	}

	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Execution not found")
			return
		}
		s.logger.Errorw("Failed to read execution",
			"execution_id", shortID(id),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Failed to read execution")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executionId": record.ID,
		"status":      record.Status,
		"record":      record,
		"cached":      false,
	})
}

// HandleExecutions lists execution records, optionally filtered by status.
func (s *Server) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	var statusFilter *execution.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := execution.Status(raw)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
		statusFilter = &status
	}

	records, err := s.store.List(r.Context(), statusFilter, 100)
	if err != nil {
		s.logger.Errorw("Failed to list executions", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	if records == nil {
		records = []*execution.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": records,
		"count":      len(records),
	})
}

// HandleHealth reports broker and store connectivity.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		storeStatus = "unavailable"
	}

	brokerStatus := "ok"
	if !s.broker.Healthy() {
		brokerStatus = "unavailable"
	}

	status := "ok"
	httpStatus := http.StatusOK
	if storeStatus != "ok" || brokerStatus != "ok" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:      status,
		Store:       storeStatus,
		Broker:      brokerStatus,
		Clients:     int(s.clientCount.Load()),
		Subscribers: s.broker.SubscriberCount(broker.ExecutionsTopic),
	})
}
