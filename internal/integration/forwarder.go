// Package integration fans decoded sensor readings out to external systems.
package integration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

const defaultBufferSize = 256

// Sink 外部系统的一个输出
type Sink interface {
	Name() string
	Write(ctx context.Context, reading models.SensorReading) error
	Close() error
}

// ForwarderService 把读数转发到所有已配置的输出
type ForwarderService struct {
	sinks    []Sink
	readings chan models.SensorReading
	timeout  time.Duration

	dropped   atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64

	closeOnce sync.Once
}

// NewForwarderService creates a forwarder with a bounded buffer
func NewForwarderService(bufferSize int, timeout time.Duration, sinks ...Sink) *ForwarderService {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ForwarderService{
		sinks:    sinks,
		readings: make(chan models.SensorReading, bufferSize),
		timeout:  timeout,
	}
}

// Publish queues a reading; it never blocks the caller
func (s *ForwarderService) Publish(reading models.SensorReading) {
	if len(s.sinks) == 0 {
		return
	}
	select {
	case s.readings <- reading:
	default:
		s.dropped.Add(1)
		log.Warn().Str("device", reading.DeviceID.String()).Msg("转发缓冲区已满，丢弃读数")
	}
}

// Start 启动转发服务，阻塞直到 ctx 取消
func (s *ForwarderService) Start(ctx context.Context) error {
	names := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		names = append(names, sink.Name())
	}
	log.Info().Strs("sinks", names).Msg("集成转发服务已启动")

	for {
		select {
		case <-ctx.Done():
			s.close()
			return nil
		case reading := <-s.readings:
			s.forward(ctx, reading)
		}
	}
}

func (s *ForwarderService) forward(ctx context.Context, reading models.SensorReading) {
	for _, sink := range s.sinks {
		writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := sink.Write(writeCtx, reading)
		cancel()

		if err != nil {
			s.failed.Add(1)
			log.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("device", reading.DeviceID.String()).
				Msg("读数转发失败")
			continue
		}
		s.forwarded.Add(1)
		log.Debug().
			Str("sink", sink.Name()).
			Str("device", reading.DeviceID.String()).
			Msg("读数已转发")
	}
}

// close 关闭所有输出
func (s *ForwarderService) close() {
	s.closeOnce.Do(func() {
		for _, sink := range s.sinks {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Str("sink", sink.Name()).Msg("关闭集成输出失败")
			}
		}
	})
}

// Stats returns forwarded / failed / dropped counters
func (s *ForwarderService) Stats() (forwarded, failed, dropped uint64) {
	return s.forwarded.Load(), s.failed.Load(), s.dropped.Load()
}

// Sinks returns the configured sink names
func (s *ForwarderService) Sinks() []string {
	out := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		out = append(out, sink.Name())
	}
	return out
}

// readingPayload 转发数据格式
func readingPayload(gatewayID string, r models.SensorReading) map[string]interface{} {
	data := map[string]interface{}{
		"gatewayID":   gatewayID,
		"kind":        string(r.Kind),
		"nodeID":      r.NodeID,
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"battery":     r.Battery,
		"timestamp":   r.ReceivedAt,
	}
	if r.DeviceID != uuid.Nil {
		data["deviceID"] = r.DeviceID.String()
	}
	if r.HeatIndex != nil {
		data["heatIndex"] = *r.HeatIndex
	}
	if r.Lux != nil {
		data["lux"] = *r.Lux
	}
	return data
}

// expandTopic 替换主题模板中的占位符
func expandTopic(pattern, gatewayID string, r models.SensorReading) string {
	device := "unknown"
	if r.DeviceID != uuid.Nil {
		device = r.DeviceID.String()
	}
	return strings.NewReplacer(
		"{gateway_id}", gatewayID,
		"{device_id}", device,
		"{node_id}", strconv.Itoa(int(r.NodeID)),
		"{kind}", string(r.Kind),
	).Replace(pattern)
}

func checkPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty topic pattern")
	}
	return nil
}
