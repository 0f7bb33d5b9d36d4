// Package dispatch routes inbound mesh packets to one handler per packet
// type. Handlers run on the gateway loop goroutine; anything that talks to
// the remote authority is pushed onto the work queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/registry"
	"github.com/meshbridge/mesh-gateway/internal/transport"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// Common errors
var (
	ErrUnknownDevice         = errors.New("unknown device")
	ErrAddressSpaceExhausted = errors.New("mesh address space exhausted")
	ErrSendFailed            = errors.New("mesh send failed")
)

// TimerBinder keeps the data-request timer of a device in line with its record
type TimerBinder interface {
	Track(dev models.Device)
}

// Spooler stores readings that could not be delivered
type Spooler interface {
	Push(reading models.SensorReading) error
}

// Publisher fans readings out to integrations; it must not block
type Publisher interface {
	Publish(reading models.SensorReading)
}

// EventSink persists device events
type EventSink interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// Deps 调度器依赖
type Deps struct {
	Transport transport.Transport
	Registry  *registry.Registry
	Authority authority.Service
	Queue     workqueue.Executor

	// Optional collaborators
	Timers    TimerBinder
	Outbox    Spooler
	Publisher Publisher
	Events    EventSink

	// AssignHold keeps a freshly assigned node ID out of allocation until
	// the node shows up as connected
	AssignHold time.Duration
	Clock      func() time.Time
}

type handlerFunc func(ctx context.Context, pkt transport.Packet, payload meshpkt.Payload) error

// Dispatcher 协议调度器
type Dispatcher struct {
	Deps
	handlers map[meshpkt.Type]handlerFunc
	assigned map[uint8]time.Time

	// infoNode 每个身份最近一次上报所在的节点，由应用步骤读取
	infoNode map[uuid.UUID]uint8
}

// New creates a dispatcher with the full handler table
func New(deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.AssignHold <= 0 {
		deps.AssignHold = time.Minute
	}

	d := &Dispatcher{
		Deps:     deps,
		assigned: make(map[uint8]time.Time),
		infoNode: make(map[uuid.UUID]uint8),
	}
	d.handlers = map[meshpkt.Type]handlerFunc{
		meshpkt.NodeIDRequest:    d.handleNodeIDRequest,
		meshpkt.InfoRequest:      d.handleOutboundOnly,
		meshpkt.DataRequest:      d.handleOutboundOnly,
		meshpkt.NodeIDAssignment: d.handleOutboundOnly,
		meshpkt.Error:            d.handleError,
		meshpkt.Info:             d.handleInfo,
		meshpkt.THSensorData:     d.handleTHSensorData,
		meshpkt.PlantSensorData:  d.handlePlantSensorData,
		meshpkt.Reboot:           d.handleReboot,
		meshpkt.ButtonConfirm:    d.handleButtonConfirm,
		meshpkt.ButtonReset:      d.handleButtonReset,
		meshpkt.Ping:             d.handlePing,
	}
	return d
}

// Dispatch decodes pkt and runs its handler. Unknown types are logged and
// dropped; a malformed body yields meshpkt.ErrMalformedPacket and no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, pkt transport.Packet) error {
	handler, ok := d.handlers[pkt.Type]
	if !ok {
		d.handleUnknown(pkt)
		return nil
	}

	payload, err := meshpkt.Decode(pkt.Type, pkt.Body)
	if err != nil {
		log.Warn().
			Err(err).
			Uint8("node", pkt.NodeID).
			Stringer("type", pkt.Type).
			Hex("body", pkt.Body).
			Msg("数据包解码失败，已丢弃")
		return fmt.Errorf("node %d: %w", pkt.NodeID, err)
	}

	return handler(ctx, pkt, payload)
}

func (d *Dispatcher) handleUnknown(pkt transport.Packet) {
	log.Warn().
		Uint8("node", pkt.NodeID).
		Uint8("type", uint8(pkt.Type)).
		Int("size", len(pkt.Body)).
		Msg("未知的数据包类型")
}

// send encodes and sends one packet
func (d *Dispatcher) send(nodeID uint8, p meshpkt.Payload) error {
	body, err := meshpkt.Encode(p)
	if err != nil {
		return err
	}
	if !d.Transport.Send(nodeID, p.Type(), body) {
		return fmt.Errorf("%s to node %d: %w", p.Type(), nodeID, ErrSendFailed)
	}
	return nil
}

// record 写入事件日志，失败只记日志
func (d *Dispatcher) record(ctx context.Context, ev *models.EventLog) {
	if d.Events == nil {
		return
	}
	if err := d.Events.CreateEventLog(ctx, ev); err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("写入事件日志失败")
	}
}

func (d *Dispatcher) track(dev models.Device) {
	if d.Timers != nil {
		d.Timers.Track(dev)
	}
}

func (d *Dispatcher) publish(reading models.SensorReading) {
	if d.Publisher != nil {
		d.Publisher.Publish(reading)
	}
}
