package integration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

const readingMeasurement = "sensor_readings"

// InfluxConfig InfluxDB 输出配置
type InfluxConfig struct {
	URL       string
	Token     string
	Org       string
	Bucket    string
	BatchSize uint
	// FlushInterval in milliseconds
	FlushInterval uint
	GatewayID     string
}

// InfluxSink writes readings as points through the non-blocking write API
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      InfluxConfig
}

// NewInfluxSink 连接 InfluxDB 并检查健康状态
func NewInfluxSink(ctx context.Context, cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10000
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(cfg.FlushInterval))

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb %s: server not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			log.Error().Err(err).Str("bucket", cfg.Bucket).Msg("InfluxDB 写入失败")
		}
	}(writeAPI.Errors())

	return &InfluxSink{client: client, writeAPI: writeAPI, cfg: cfg}, nil
}

// Name implements Sink
func (s *InfluxSink) Name() string { return "influxdb" }

// Write implements Sink
func (s *InfluxSink) Write(ctx context.Context, reading models.SensorReading) error {
	s.writeAPI.WritePoint(readingPoint(s.cfg.GatewayID, reading))
	return nil
}

// Close flushes pending points and closes the client
func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}

// readingPoint 读数转换为数据点
func readingPoint(gatewayID string, r models.SensorReading) *write.Point {
	tags := map[string]string{
		"gateway_id": gatewayID,
		"node_id":    strconv.Itoa(int(r.NodeID)),
		"kind":       string(r.Kind),
	}
	if r.DeviceID != uuid.Nil {
		tags["device_id"] = r.DeviceID.String()
	}

	fields := map[string]interface{}{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"battery":     int64(r.Battery),
	}
	if r.HeatIndex != nil {
		fields["heat_index"] = *r.HeatIndex
	}
	if r.Lux != nil {
		fields["lux"] = *r.Lux
	}

	ts := r.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(readingMeasurement, tags, fields, ts)
}
