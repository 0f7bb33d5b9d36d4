package models

import (
	"time"

	"github.com/google/uuid"
)

// ReadingKind 传感器读数类别
type ReadingKind string

const (
	ReadingTH    ReadingKind = "th"
	ReadingPlant ReadingKind = "plant"
)

// SensorReading 一次解码后的传感器上报
type SensorReading struct {
	Kind        ReadingKind `json:"kind"`
	DeviceID    uuid.UUID   `json:"deviceId"`
	NodeID      uint8       `json:"nodeId"`
	Temperature float64     `json:"temperature"`
	Humidity    float64     `json:"humidity"`
	HeatIndex   *float64    `json:"heatIndex,omitempty"`
	Lux         *float64    `json:"lux,omitempty"`
	Battery     uint8       `json:"battery"`
	ReceivedAt  time.Time   `json:"receivedAt"`
}
