package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetDeviceByNodeID(ctx context.Context, nodeID uint8) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context) ([]*models.Device, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Migrate creates or upgrades the schema
	Migrate(ctx context.Context) error

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DeviceID  *uuid.UUID
	NodeID    *uint8
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}

// validateDevice 写入前的基本检查
func validateDevice(device *models.Device) error {
	if device.ID == uuid.Nil {
		return ErrInvalidData
	}
	if device.NodeID > models.MaxNodeID {
		return ErrInvalidData
	}
	if device.PollPeriod < 0 {
		return ErrInvalidData
	}
	return nil
}
