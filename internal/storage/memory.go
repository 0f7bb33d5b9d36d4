package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

// MemoryStore is an in-process Store used by tests and the simulation mode.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]models.Device
	events  []models.EventLog
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[uuid.UUID]models.Device),
	}
}

// Migrate is a no-op for the in-memory store
func (s *MemoryStore) Migrate(ctx context.Context) error {
	return nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// nodeTakenLocked 检查 node_id 唯一索引
func (s *MemoryStore) nodeTakenLocked(id uuid.UUID, nodeID uint8) bool {
	if nodeID == models.DetachedNodeID {
		return false
	}
	for other, d := range s.devices {
		if other != id && d.NodeID == nodeID {
			return true
		}
	}
	return false
}

// CreateDevice creates a new device
func (s *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if err := validateDevice(device); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.ID]; ok {
		return ErrDuplicateKey
	}
	if s.nodeTakenLocked(device.ID, device.NodeID) {
		return ErrDuplicateKey
	}

	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now
	s.devices[device.ID] = copyDevice(device)
	return nil
}

// GetDevice gets a device by identity
func (s *MemoryStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyDevice(&d)
	return &out, nil
}

// GetDeviceByNodeID gets the device currently bound to a node ID
func (s *MemoryStore) GetDeviceByNodeID(ctx context.Context, nodeID uint8) (*models.Device, error) {
	if nodeID == models.DetachedNodeID {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.devices {
		if d.NodeID == nodeID {
			out := copyDevice(&d)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateDevice updates a device
func (s *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[device.ID]
	if !ok {
		return ErrNotFound
	}
	if s.nodeTakenLocked(device.ID, device.NodeID) {
		return ErrDuplicateKey
	}

	device.CreatedAt = existing.CreatedAt
	device.UpdatedAt = time.Now().UTC()
	s.devices[device.ID] = copyDevice(device)
	return nil
}

// DeleteDevice deletes a device
func (s *MemoryStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return ErrNotFound
	}
	delete(s.devices, id)
	return nil
}

// ListDevices lists all devices ordered by node ID
func (s *MemoryStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out := copyDevice(&d)
		devices = append(devices, &out)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].NodeID != devices[j].NodeID {
			return devices[i].NodeID < devices[j].NodeID
		}
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

// CreateEventLog creates an event log entry
func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.events = append(s.events, *event)
	s.mu.Unlock()
	return nil
}

// ListEventLogs lists event logs with filters, newest first
func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.EventLog
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if !filters.match(&ev) {
			continue
		}
		matched = append(matched, &ev)
	}

	count := int64(len(matched))
	if offset >= len(matched) {
		return nil, count, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, count, nil
}

func (f EventLogFilters) match(ev *models.EventLog) bool {
	if f.DeviceID != nil && (ev.DeviceID == nil || *ev.DeviceID != *f.DeviceID) {
		return false
	}
	if f.NodeID != nil && (ev.NodeID == nil || *ev.NodeID != *f.NodeID) {
		return false
	}
	if f.Type != nil && ev.Type != *f.Type {
		return false
	}
	if f.Level != nil && ev.Level != *f.Level {
		return false
	}
	if f.StartTime != nil && ev.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && ev.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}

func copyDevice(d *models.Device) models.Device {
	out := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		out.LastSeenAt = &t
	}
	return out
}
