package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

const defaultEventLimit = 100

const eventColumns = `id, created_at, device_id, node_id, type, level, description, details`

// CreateEventLog creates an event log entry
func (s *SQLStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`
        INSERT INTO event_logs (` + eventColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.DeviceID, event.NodeID,
		event.Type, event.Level, event.Description, event.Details,
	)

	return err
}

// ListEventLogs lists event logs with filters, newest first
func (s *SQLStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	where := " WHERE 1=1"
	args := []interface{}{}

	if filters.DeviceID != nil {
		where += " AND device_id = ?"
		args = append(args, *filters.DeviceID)
	}

	if filters.NodeID != nil {
		where += " AND node_id = ?"
		args = append(args, *filters.NodeID)
	}

	if filters.Type != nil {
		where += " AND type = ?"
		args = append(args, *filters.Type)
	}

	if filters.Level != nil {
		where += " AND level = ?"
		args = append(args, *filters.Level)
	}

	if filters.StartTime != nil {
		where += " AND created_at >= ?"
		args = append(args, filters.StartTime.UTC())
	}

	if filters.EndTime != nil {
		where += " AND created_at <= ?"
		args = append(args, filters.EndTime.UTC())
	}

	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM event_logs"+where), args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	var query strings.Builder
	query.WriteString("SELECT " + eventColumns + " FROM event_logs" + where)
	query.WriteString(" ORDER BY created_at DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, s.rebind(query.String()), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.DeviceID, &event.NodeID,
			&event.Type, &event.Level, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}

		events = append(events, event)
	}

	return events, count, rows.Err()
}
