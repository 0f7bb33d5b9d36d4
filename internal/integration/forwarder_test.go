package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/mesh-gateway/internal/models"
)

type memorySink struct {
	name string
	fail bool

	mu       sync.Mutex
	readings []models.SensorReading
	closed   bool
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Write(ctx context.Context, r models.SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.readings = append(m.readings, r)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings)
}

func (m *memorySink) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func sampleReading() models.SensorReading {
	hic := 22.0
	return models.SensorReading{
		Kind:        models.ReadingTH,
		DeviceID:    uuid.MustParse("1cb1cb58-ca06-4f38-b2cb-6f141ad948dd"),
		NodeID:      12,
		Temperature: 21.5,
		Humidity:    45,
		HeatIndex:   &hic,
		Battery:     77,
		ReceivedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestForwarderFansOut(t *testing.T) {
	good := &memorySink{name: "good"}
	bad := &memorySink{name: "bad", fail: true}
	s := NewForwarderService(8, time.Second, good, bad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Start(ctx))
	}()

	s.Publish(sampleReading())
	s.Publish(sampleReading())

	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, failed, _ := s.Stats()
		return failed == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.True(t, good.isClosed())
	assert.True(t, bad.isClosed())
	assert.Equal(t, []string{"good", "bad"}, s.Sinks())
}

func TestPublishNeverBlocks(t *testing.T) {
	s := NewForwarderService(1, time.Second, &memorySink{name: "m"})
	s.Publish(sampleReading())
	s.Publish(sampleReading())
	s.Publish(sampleReading())

	_, _, dropped := s.Stats()
	assert.Equal(t, uint64(2), dropped)
}

func TestPublishWithoutSinks(t *testing.T) {
	s := NewForwarderService(1, time.Second)
	s.Publish(sampleReading())
	s.Publish(sampleReading())
	_, _, dropped := s.Stats()
	assert.Zero(t, dropped)
}

func TestExpandTopic(t *testing.T) {
	r := sampleReading()
	assert.Equal(t,
		"mesh/gw1/1cb1cb58-ca06-4f38-b2cb-6f141ad948dd/th",
		expandTopic("mesh/{gateway_id}/{device_id}/{kind}", "gw1", r))
	assert.Equal(t, "mesh.gw1.node.12", expandTopic("mesh.{gateway_id}.node.{node_id}", "gw1", r))

	r.DeviceID = uuid.Nil
	assert.Equal(t, "x/unknown", expandTopic("x/{device_id}", "gw1", r))
}

func TestReadingPayload(t *testing.T) {
	p := readingPayload("gw1", sampleReading())
	assert.Equal(t, "gw1", p["gatewayID"])
	assert.Equal(t, "th", p["kind"])
	assert.Equal(t, "1cb1cb58-ca06-4f38-b2cb-6f141ad948dd", p["deviceID"])
	assert.Equal(t, 22.0, p["heatIndex"])
	assert.NotContains(t, p, "lux")
}

func TestReadingPoint(t *testing.T) {
	lux := 1200.0
	r := sampleReading()
	r.Kind = models.ReadingPlant
	r.HeatIndex = nil
	r.Lux = &lux

	p := readingPoint("gw1", r)
	assert.Equal(t, readingMeasurement, p.Name())
	assert.True(t, r.ReceivedAt.Equal(p.Time()))

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "gw1", tags["gateway_id"])
	assert.Equal(t, "12", tags["node_id"])
	assert.Equal(t, "plant", tags["kind"])
	assert.Equal(t, r.DeviceID.String(), tags["device_id"])

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 1200.0, fields["lux"])
	assert.Equal(t, int64(77), fields["battery"])
	assert.NotContains(t, fields, "heat_index")
}

func TestNewNATSSinkDefaultsSubject(t *testing.T) {
	s, err := NewNATSSink(nil, NATSConfig{GatewayID: "gw1"})
	require.NoError(t, err)
	assert.Equal(t, "mesh.gw1.readings.th", expandTopic(s.cfg.SubjectPattern, "gw1", sampleReading()))
	assert.Equal(t, "nats", s.Name())
}
