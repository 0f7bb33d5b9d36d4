package meshpkt

import (
	"fmt"

	"github.com/google/uuid"
)

// Type is the one-byte packet type code carried in the mesh header
type Type uint8

const (
	// Node -> gateway requests (and gateway -> node requests)
	NodeIDRequest Type = 0
	InfoRequest   Type = 1
	DataRequest   Type = 2

	// Reports and replies
	NodeIDAssignment Type = 65
	Error            Type = 66
	Info             Type = 67
	THSensorData     Type = 68
	PlantSensorData  Type = 69
	Reboot           Type = 70
	ButtonConfirm    Type = 71
	ButtonReset      Type = 72
	Ping             Type = 73
)

var typeNames = map[Type]string{
	NodeIDRequest:    "NODE_ID_REQUEST",
	InfoRequest:      "INFO_REQUEST",
	DataRequest:      "DATA_REQUEST",
	NodeIDAssignment: "NODE_ID_ASSIGNMENT",
	Error:            "ERROR",
	Info:             "INFO",
	THSensorData:     "TH_SENSOR_DATA",
	PlantSensorData:  "PLANT_SENSOR_DATA",
	Reboot:           "REBOOT",
	ButtonConfirm:    "BTN_CONFIRM",
	ButtonReset:      "BTN_RESET",
	Ping:             "PING",
}

// String returns the protocol name of the type
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Known reports whether t is part of the protocol
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Types returns every known packet type in ascending code order
func Types() []Type {
	return []Type{
		NodeIDRequest, InfoRequest, DataRequest,
		NodeIDAssignment, Error, Info, THSensorData, PlantSensorData,
		Reboot, ButtonConfirm, ButtonReset, Ping,
	}
}

// Payload is a decoded packet body
type Payload interface {
	Type() Type
}

// Empty is the body of packets that carry no fields
type Empty struct {
	T Type
}

// Type implements Payload
func (e Empty) Type() Type { return e.T }

// NodeIDAssignmentPayload carries the node ID handed out by the gateway
type NodeIDAssignmentPayload struct {
	NodeID uint8
}

// Type implements Payload
func (NodeIDAssignmentPayload) Type() Type { return NodeIDAssignment }

// ErrorReport carries a node-side error code
type ErrorReport struct {
	Code uint8
}

// Type implements Payload
func (ErrorReport) Type() Type { return Error }

// InfoPayload identifies a node: its sensor kind and its device identity
type InfoPayload struct {
	SensorType uint8
	DeviceID   uuid.UUID
}

// Type implements Payload
func (InfoPayload) Type() Type { return Info }

// THSensorDataPayload is a temperature/humidity reading
type THSensorDataPayload struct {
	Temperature float32
	Humidity    float32
	HeatIndex   float32
	Battery     uint8
}

// Type implements Payload
func (THSensorDataPayload) Type() Type { return THSensorData }

// PlantSensorDataPayload is a plant probe reading
type PlantSensorDataPayload struct {
	Temperature float32
	Humidity    float32
	Lux         float32
	Battery     uint8
}

// Type implements Payload
func (PlantSensorDataPayload) Type() Type { return PlantSensorData }
