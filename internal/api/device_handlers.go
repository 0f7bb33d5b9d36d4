package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/storage"
)

// deviceView 设备的 API 表示
type deviceView struct {
	ID           uuid.UUID  `json:"id"`
	NodeID       uint8      `json:"nodeId"`
	Attached     bool       `json:"attached"`
	PollPeriodMs int64      `json:"pollPeriodMs"`
	SensorType   uint8      `json:"sensorType"`
	TimerActive  bool       `json:"timerActive"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
}

// timerView 定时器的 API 表示
type timerView struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	NodeID    uint8     `json:"nodeId"`
	PeriodMs  int64     `json:"periodMs"`
	Enabled   bool      `json:"enabled"`
	LastFired time.Time `json:"lastFired"`
}

func (s *RESTServer) activeTimers() map[uuid.UUID]bool {
	active := make(map[uuid.UUID]bool)
	if s.timers == nil {
		return active
	}
	for _, t := range s.timers.Timers() {
		active[t.DeviceID] = t.Enabled
	}
	return active
}

func newDeviceView(d *models.Device, active map[uuid.UUID]bool) deviceView {
	return deviceView{
		ID:           d.ID,
		NodeID:       d.NodeID,
		Attached:     d.Attached(),
		PollPeriodMs: d.PollPeriodMillis(),
		SensorType:   d.SensorType,
		TimerActive:  active[d.ID],
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		LastSeenAt:   d.LastSeenAt,
	}
}

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var nodeFilter *uint8
	if v := r.URL.Query().Get("node_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid node_id")
			return
		}
		id := uint8(n)
		nodeFilter = &id
	}
	polledOnly := r.URL.Query().Get("polled") == "true"

	active := s.activeTimers()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		if nodeFilter != nil && d.NodeID != *nodeFilter {
			continue
		}
		if polledOnly && !d.Polled() {
			continue
		}
		views = append(views, newDeviceView(d, active))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": views,
		"total":   len(views),
	})
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, newDeviceView(device, s.activeTimers()))
}

// HandleListTimers lists active data-request timers
func (s *RESTServer) HandleListTimers(w http.ResponseWriter, r *http.Request) {
	views := []timerView{}
	if s.timers != nil {
		for _, t := range s.timers.Timers() {
			views = append(views, timerView{
				DeviceID:  t.DeviceID,
				NodeID:    t.NodeID,
				PeriodMs:  t.Period.Milliseconds(),
				Enabled:   t.Enabled,
				LastFired: t.LastFired,
			})
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"timers": views,
		"total":  len(views),
	})
}
