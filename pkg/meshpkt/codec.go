package meshpkt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Common errors
var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrUnknownType     = errors.New("unknown packet type")
)

// Body sizes in bytes
const (
	sensorDataSize = 4*3 + 1
	infoSize       = 1 + 16
)

// bodySizes is the closed layout table: every known type has exactly one fixed body width
var bodySizes = map[Type]int{
	NodeIDRequest:    0,
	InfoRequest:      0,
	DataRequest:      0,
	NodeIDAssignment: 1,
	Error:            1,
	Info:             infoSize,
	THSensorData:     sensorDataSize,
	PlantSensorData:  sensorDataSize,
	Reboot:           0,
	ButtonConfirm:    0,
	ButtonReset:      0,
	Ping:             0,
}

// BodySize returns the fixed body width of t
func BodySize(t Type) (int, bool) {
	n, ok := bodySizes[t]
	return n, ok
}

// Encode serializes p into its fixed-width body
func Encode(p Payload) ([]byte, error) {
	size, ok := bodySizes[p.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(p.Type()))
	}

	b := make([]byte, size)

	switch v := p.(type) {
	case Empty:
		if size != 0 {
			return nil, fmt.Errorf("%w: %s has fields, cannot encode empty body", ErrMalformedPacket, v.T)
		}
	case NodeIDAssignmentPayload:
		b[0] = v.NodeID
	case ErrorReport:
		b[0] = v.Code
	case InfoPayload:
		b[0] = v.SensorType
		copy(b[1:17], v.DeviceID[:])
	case THSensorDataPayload:
		putSensorData(b, v.Temperature, v.Humidity, v.HeatIndex, v.Battery)
	case PlantSensorDataPayload:
		putSensorData(b, v.Temperature, v.Humidity, v.Lux, v.Battery)
	default:
		return nil, fmt.Errorf("encode %T: unsupported payload", p)
	}

	return b, nil
}

// Decode parses a body of type t. A body whose length differs from the
// layout table fails with ErrMalformedPacket and yields no payload.
func Decode(t Type, b []byte) (Payload, error) {
	size, ok := bodySizes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s expects %d bytes, got %d", ErrMalformedPacket, t, size, len(b))
	}

	switch t {
	case NodeIDAssignment:
		return NodeIDAssignmentPayload{NodeID: b[0]}, nil
	case Error:
		return ErrorReport{Code: b[0]}, nil
	case Info:
		p := InfoPayload{SensorType: b[0]}
		copy(p.DeviceID[:], b[1:17])
		return p, nil
	case THSensorData:
		temp, hum, hic, batt := readSensorData(b)
		return THSensorDataPayload{Temperature: temp, Humidity: hum, HeatIndex: hic, Battery: batt}, nil
	case PlantSensorData:
		temp, hum, lux, batt := readSensorData(b)
		return PlantSensorDataPayload{Temperature: temp, Humidity: hum, Lux: lux, Battery: batt}, nil
	default:
		return Empty{T: t}, nil
	}
}

func putSensorData(b []byte, a, c, d float32, battery uint8) {
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(a))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(c))
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(d))
	b[12] = battery
}

func readSensorData(b []byte) (float32, float32, float32, uint8) {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		b[12]
}
