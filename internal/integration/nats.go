package integration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

// NATSConfig NATS 输出配置
type NATSConfig struct {
	// SubjectPattern supports {gateway_id}, {device_id}, {node_id} and {kind}
	SubjectPattern string
	GatewayID      string
}

// NATSSink publishes readings on a NATS connection owned by the caller
type NATSSink struct {
	nc  *nats.Conn
	cfg NATSConfig
}

// NewNATSSink creates a sink; the connection is not closed by the sink
func NewNATSSink(nc *nats.Conn, cfg NATSConfig) (*NATSSink, error) {
	if cfg.SubjectPattern == "" {
		cfg.SubjectPattern = "mesh.{gateway_id}.readings.{kind}"
	}
	if err := checkPattern(cfg.SubjectPattern); err != nil {
		return nil, err
	}
	return &NATSSink{nc: nc, cfg: cfg}, nil
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Write implements Sink
func (s *NATSSink) Write(ctx context.Context, reading models.SensorReading) error {
	data, err := json.Marshal(readingPayload(s.cfg.GatewayID, reading))
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	subject := expandTopic(s.cfg.SubjectPattern, s.cfg.GatewayID, reading)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close implements Sink
func (s *NATSSink) Close() error {
	return s.nc.Flush()
}
