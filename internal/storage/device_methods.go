package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `id, node_id, poll_period_ms, sensor_type, created_at, updated_at, last_seen_at`

// rowScanner 兼容 *sql.Row 与 *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	device := &models.Device{}
	var periodMs int64
	var lastSeen sql.NullTime

	err := row.Scan(
		&device.ID, &device.NodeID, &periodMs, &device.SensorType,
		&device.CreatedAt, &device.UpdatedAt, &lastSeen,
	)
	if err != nil {
		return nil, err
	}

	device.PollPeriod = models.Millis(periodMs)
	if lastSeen.Valid {
		t := lastSeen.Time
		device.LastSeenAt = &t
	}
	return device, nil
}

// CreateDevice creates a new device
func (s *SQLStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if err := validateDevice(device); err != nil {
		return err
	}

	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := s.rebind(`
        INSERT INTO devices (` + deviceColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.NodeID, device.PollPeriodMillis(), device.SensorType,
		device.CreatedAt, device.UpdatedAt, device.LastSeenAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by identity
func (s *SQLStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := s.rebind(`SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`)

	device, err := scanDevice(s.getDB().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// GetDeviceByNodeID gets the device currently bound to a node ID
func (s *SQLStore) GetDeviceByNodeID(ctx context.Context, nodeID uint8) (*models.Device, error) {
	if nodeID == models.DetachedNodeID {
		return nil, ErrNotFound
	}

	query := s.rebind(`SELECT ` + deviceColumns + ` FROM devices WHERE node_id = ?`)

	device, err := scanDevice(s.getDB().QueryRowContext(ctx, query, nodeID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// UpdateDevice updates a device
func (s *SQLStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}
	device.UpdatedAt = time.Now().UTC()

	query := s.rebind(`
        UPDATE devices SET
            node_id = ?, poll_period_ms = ?, sensor_type = ?,
            updated_at = ?, last_seen_at = ?
        WHERE id = ?`)

	result, err := s.getDB().ExecContext(ctx, query,
		device.NodeID, device.PollPeriodMillis(), device.SensorType,
		device.UpdatedAt, device.LastSeenAt, device.ID,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateKey
		}
		return err
	}

	return checkAffected(result)
}

// DeleteDevice deletes a device
func (s *SQLStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, s.rebind("DELETE FROM devices WHERE id = ?"), id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// ListDevices lists all devices ordered by node ID
func (s *SQLStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY node_id, created_at`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}
