package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/storage"
)

// HandleGatewayStatus reports loop, queue and outbox counters
func (s *RESTServer) HandleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{}
	if s.status != nil {
		status = s.status()
	}
	status["uptime"] = time.Since(s.started).Round(time.Second).String()
	s.respondJSON(w, http.StatusOK, status)
}

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit == 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	filters := storage.EventLogFilters{}

	// Parse filters
	if v := q.Get("device_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid device_id")
			return
		}
		filters.DeviceID = &id
	}

	if v := q.Get("node_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid node_id")
			return
		}
		nodeID := uint8(n)
		filters.NodeID = &nodeID
	}

	if eventType := q.Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := q.Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	for key, dst := range map[string]**time.Time{"start": &filters.StartTime, "end": &filters.EndTime} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+key+" time")
			return
		}
		*dst = &t
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}
