package models

import (
	"time"

	"github.com/google/uuid"
)

// 节点 ID 范围（0 为网关主节点）
const (
	MasterNodeID uint8 = 0
	MinNodeID    uint8 = 1
	MaxNodeID    uint8 = 253

	// DetachedNodeID 表示记录当前没有绑定网状网络地址
	DetachedNodeID uint8 = 0
)

// Device 网状网络中的一个传感器设备
type Device struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	NodeID     uint8         `json:"nodeId" db:"node_id"`
	PollPeriod time.Duration `json:"pollPeriod" db:"poll_period_ms"`
	SensorType uint8         `json:"sensorType" db:"sensor_type"`

	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
}

// Polled 是否需要网关主动请求数据
func (d *Device) Polled() bool {
	return d.PollPeriod > 0
}

// Attached 是否绑定了有效的节点 ID
func (d *Device) Attached() bool {
	return d.NodeID >= MinNodeID && d.NodeID <= MaxNodeID
}

// PollPeriodMillis 持久化用的毫秒值
func (d *Device) PollPeriodMillis() int64 {
	return d.PollPeriod.Milliseconds()
}

// Millis converts a millisecond count from storage or the authority
func Millis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
