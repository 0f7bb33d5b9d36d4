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
	"github.com/meshbridge/mesh-gateway/internal/transport"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// handleNodeIDRequest 分配节点 ID（非幂等：重复请求得到不同的 ID）
func (d *Dispatcher) handleNodeIDRequest(ctx context.Context, pkt transport.Packet, _ meshpkt.Payload) error {
	now := d.Clock()
	nodeID, err := d.allocateNodeID(now)
	if err != nil {
		log.Error().
			Uint8("from", pkt.NodeID).
			Int("connected", len(d.Transport.ConnectedAddresses())).
			Msg("节点 ID 已耗尽，无法分配")
		return err
	}

	if err := d.send(pkt.NodeID, meshpkt.NodeIDAssignmentPayload{NodeID: nodeID}); err != nil {
		log.Warn().Err(err).Uint8("from", pkt.NodeID).Uint8("assigned", nodeID).Msg("节点 ID 分配回复失败")
		return err
	}
	d.assigned[nodeID] = now

	log.Info().
		Uint8("from", pkt.NodeID).
		Uint8("assigned", nodeID).
		Msg("已分配节点 ID")

	ev := models.NewDeviceEvent(models.EventTypeNodeIDAssigned, models.EventLevelInfo, uuid.Nil, nodeID,
		fmt.Sprintf("node ID %d assigned", nodeID))
	ev.Details = models.Variables{"requester": pkt.NodeID}
	d.record(ctx, ev)
	return nil
}

// handleOutboundOnly 网关只发送、不处理的类型
func (d *Dispatcher) handleOutboundOnly(ctx context.Context, pkt transport.Packet, _ meshpkt.Payload) error {
	log.Debug().
		Uint8("node", pkt.NodeID).
		Stringer("type", pkt.Type).
		Msg("收到仅用于下行的数据包类型，忽略")
	return nil
}

// handleInfo 节点上报身份：查询关联状态后登记设备
func (d *Dispatcher) handleInfo(ctx context.Context, pkt transport.Packet, payload meshpkt.Payload) error {
	info := payload.(meshpkt.InfoPayload)
	if info.DeviceID == uuid.Nil {
		return fmt.Errorf("node %d: %w: nil device identity", pkt.NodeID, meshpkt.ErrMalformedPacket)
	}
	nodeID := pkt.NodeID

	log.Info().
		Uint8("node", nodeID).
		Uint8("sensor_type", info.SensorType).
		Str("device", info.DeviceID.String()).
		Msg("节点上报身份信息")

	d.infoNode[info.DeviceID] = nodeID

	return d.submit(workqueue.Job{
		Name: "info-report",
		Key:  "info:" + info.DeviceID.String(),
		Do: func(jobCtx context.Context) workqueue.Apply {
			state, err := d.Authority.GetAssocState(jobCtx, info.DeviceID)
			if err != nil {
				log.Warn().Err(err).Str("device", info.DeviceID.String()).Msg("查询关联状态失败")
			}

			var period time.Duration
			var periodErr error
			if state == models.AssocAssociated {
				period, periodErr = d.Authority.GetPollPeriod(jobCtx, info.DeviceID)
				if periodErr != nil {
					log.Warn().Err(periodErr).Str("device", info.DeviceID.String()).Msg("查询轮询周期失败")
				}
			}

			return func() {
				d.applyInfo(ctx, nodeID, info, state, period, periodErr)
			}
		},
	})
}

func (d *Dispatcher) applyInfo(ctx context.Context, nodeID uint8, info meshpkt.InfoPayload, state models.AssocState, period time.Duration, periodErr error) {
	// 任务执行期间同一设备可能已从其他节点再次上报
	if latest, ok := d.infoNode[info.DeviceID]; ok {
		nodeID = latest
		delete(d.infoNode, info.DeviceID)
	}

	existing, known := d.Registry.LookupByIdentity(info.DeviceID)
	previous, taken := d.Registry.LookupByNodeID(nodeID)

	// 状态未知或周期获取失败时保留原周期
	switch {
	case state == models.AssocAssociated && periodErr == nil:
	case state == models.AssocUnknown || state == models.AssocAssociated:
		period = 0
		if known {
			period = existing.PollPeriod
		}
	default:
		period = 0
	}

	dev, err := d.Registry.Upsert(ctx, info.DeviceID, nodeID, period)
	if err != nil {
		log.Error().Err(err).Str("device", info.DeviceID.String()).Uint8("node", nodeID).Msg("登记设备失败")
		return
	}
	if err := d.Registry.SetSensorType(ctx, dev.ID, info.SensorType); err != nil {
		log.Error().Err(err).Str("device", dev.ID.String()).Msg("更新传感器类型失败")
	}
	if err := d.Registry.Touch(ctx, dev.ID); err != nil {
		log.Error().Err(err).Str("device", dev.ID.String()).Msg("更新最后在线时间失败")
	}
	d.track(dev)

	// 节点 ID 被转移后，旧设备的定时器不能继续轮询该节点
	if taken && previous.ID != dev.ID {
		if detached, ok := d.Registry.LookupByIdentity(previous.ID); ok {
			d.track(detached)
		}
	}

	log.Info().
		Str("device", dev.ID.String()).
		Uint8("node", dev.NodeID).
		Str("state", string(state)).
		Dur("period", dev.PollPeriod).
		Bool("new", !known).
		Msg("设备已登记")

	ev := models.NewDeviceEvent(models.EventTypeInfo, models.EventLevelInfo, dev.ID, dev.NodeID, "info reported")
	ev.Details = models.Variables{
		"sensorType":   info.SensorType,
		"assocState":   string(state),
		"pollPeriodMs": dev.PollPeriodMillis(),
	}
	d.record(ctx, ev)
}

// handleError 记录节点上报的错误码
func (d *Dispatcher) handleError(ctx context.Context, pkt transport.Packet, payload meshpkt.Payload) error {
	report := payload.(meshpkt.ErrorReport)

	dev, known := d.Registry.LookupByNodeID(pkt.NodeID)
	logEvent := log.Warn().
		Uint8("node", pkt.NodeID).
		Uint8("code", report.Code).
		Hex("raw", pkt.Body)
	if known {
		logEvent = logEvent.Str("device", dev.ID.String())
	}
	logEvent.Msg("节点上报错误")

	ev := models.NewDeviceEvent(models.EventTypeError, models.EventLevelWarning, dev.ID, pkt.NodeID,
		fmt.Sprintf("error code %d reported", report.Code))
	ev.Details = models.Variables{"code": report.Code}
	d.record(ctx, ev)
	return nil
}

// handleTHSensorData 温湿度数据：上传至远程服务并分发到集成
func (d *Dispatcher) handleTHSensorData(ctx context.Context, pkt transport.Packet, payload meshpkt.Payload) error {
	data := payload.(meshpkt.THSensorDataPayload)

	dev, ok := d.Registry.LookupByNodeID(pkt.NodeID)
	if !ok {
		log.Warn().Uint8("node", pkt.NodeID).Msg("收到未登记节点的数据，请求身份信息")
		if err := d.send(pkt.NodeID, meshpkt.Empty{T: meshpkt.InfoRequest}); err != nil {
			log.Debug().Err(err).Uint8("node", pkt.NodeID).Msg("发送身份请求失败")
		}
		return fmt.Errorf("node %d: %w", pkt.NodeID, ErrUnknownDevice)
	}

	hic := float64(data.HeatIndex)
	reading := models.SensorReading{
		Kind:        models.ReadingTH,
		DeviceID:    dev.ID,
		NodeID:      pkt.NodeID,
		Temperature: float64(data.Temperature),
		Humidity:    float64(data.Humidity),
		HeatIndex:   &hic,
		Battery:     data.Battery,
		ReceivedAt:  receivedAt(pkt, d.Clock),
	}

	log.Info().
		Uint8("node", pkt.NodeID).
		Str("device", dev.ID.String()).
		Float32("temperature", data.Temperature).
		Float32("humidity", data.Humidity).
		Float32("heat_index", data.HeatIndex).
		Uint8("battery", data.Battery).
		Msg("收到温湿度数据")

	if err := d.Registry.Touch(ctx, dev.ID); err != nil {
		log.Error().Err(err).Str("device", dev.ID.String()).Msg("更新最后在线时间失败")
	}
	d.publish(reading)

	err := d.submit(workqueue.Job{
		Name: "post-reading",
		Do: func(jobCtx context.Context) workqueue.Apply {
			if err := d.Authority.PostSensorReading(jobCtx, &reading); err != nil {
				d.spool(reading, err)
			}
			return nil
		},
	})
	if errors.Is(err, workqueue.ErrQueueFull) {
		d.spool(reading, err)
		return nil
	}
	return err
}

// spool 上传失败的读数写入发件箱
func (d *Dispatcher) spool(reading models.SensorReading, cause error) {
	retryable := authority.IsRetryable(cause) || errors.Is(cause, workqueue.ErrQueueFull)
	if d.Outbox == nil || !retryable {
		log.Error().Err(cause).Str("device", reading.DeviceID.String()).Msg("读数上传失败，已丢弃")
		return
	}
	if err := d.Outbox.Push(reading); err != nil {
		log.Error().Err(err).Str("device", reading.DeviceID.String()).Msg("读数写入发件箱失败")
		return
	}
	log.Warn().Err(cause).Str("device", reading.DeviceID.String()).Msg("读数上传失败，已写入发件箱")
}

// handlePlantSensorData 植物传感器数据：记录并分发到集成
func (d *Dispatcher) handlePlantSensorData(ctx context.Context, pkt transport.Packet, payload meshpkt.Payload) error {
	data := payload.(meshpkt.PlantSensorDataPayload)

	lux := float64(data.Lux)
	reading := models.SensorReading{
		Kind:        models.ReadingPlant,
		NodeID:      pkt.NodeID,
		Temperature: float64(data.Temperature),
		Humidity:    float64(data.Humidity),
		Lux:         &lux,
		Battery:     data.Battery,
		ReceivedAt:  receivedAt(pkt, d.Clock),
	}
	if dev, ok := d.Registry.LookupByNodeID(pkt.NodeID); ok {
		reading.DeviceID = dev.ID
		if err := d.Registry.Touch(ctx, dev.ID); err != nil {
			log.Error().Err(err).Str("device", dev.ID.String()).Msg("更新最后在线时间失败")
		}
	}

	log.Info().
		Uint8("node", pkt.NodeID).
		Float32("temperature", data.Temperature).
		Float32("humidity", data.Humidity).
		Float32("lux", data.Lux).
		Uint8("battery", data.Battery).
		Msg("收到植物传感器数据")

	d.publish(reading)
	return nil
}

// handleButtonConfirm 节点按键确认关联
func (d *Dispatcher) handleButtonConfirm(ctx context.Context, pkt transport.Packet, _ meshpkt.Payload) error {
	return d.handleButton(ctx, pkt, models.AssocPending, d.Authority.ConfirmAssoc, models.EventTypeAssocConfirmed)
}

// handleButtonReset 节点按键重置关联
func (d *Dispatcher) handleButtonReset(ctx context.Context, pkt transport.Packet, _ meshpkt.Payload) error {
	return d.handleButton(ctx, pkt, models.AssocAssociated, d.Authority.ResetAssoc, models.EventTypeAssocReset)
}

func (d *Dispatcher) handleButton(ctx context.Context, pkt transport.Packet, want models.AssocState,
	action func(context.Context, uuid.UUID) error, evType models.EventType) error {

	dev, ok := d.Registry.LookupByNodeID(pkt.NodeID)
	if !ok {
		log.Warn().Uint8("node", pkt.NodeID).Stringer("type", pkt.Type).Msg("未登记节点的按键事件")
		return fmt.Errorf("node %d: %w", pkt.NodeID, ErrUnknownDevice)
	}
	id := dev.ID

	return d.submit(workqueue.Job{
		Name: "button-" + string(evType),
		Key:  "button:" + id.String(),
		Do: func(jobCtx context.Context) workqueue.Apply {
			state, err := d.Authority.GetAssocState(jobCtx, id)
			if err != nil {
				return func() {
					log.Warn().Err(err).Str("device", id.String()).Msg("查询关联状态失败，按键事件忽略")
				}
			}
			if state != want {
				return func() {
					log.Info().
						Str("device", id.String()).
						Str("state", string(state)).
						Str("expected", string(want)).
						Msg("关联状态不符，按键事件无效")
				}
			}

			if err := action(jobCtx, id); err != nil {
				return func() {
					log.Error().Err(err).Str("device", id.String()).Msg("关联操作失败")
				}
			}

			// 确认后立即获取轮询周期，重置后停止轮询
			var period time.Duration
			var periodErr error
			if evType == models.EventTypeAssocConfirmed {
				period, periodErr = d.Authority.GetPollPeriod(jobCtx, id)
			}

			return func() {
				d.applyButton(ctx, id, evType, period, periodErr)
			}
		},
	})
}

func (d *Dispatcher) applyButton(ctx context.Context, id uuid.UUID, evType models.EventType, period time.Duration, periodErr error) {
	if periodErr == nil {
		if err := d.Registry.SetPollPeriod(ctx, id, period); err != nil {
			log.Error().Err(err).Str("device", id.String()).Msg("更新轮询周期失败")
		}
	}

	dev, ok := d.Registry.LookupByIdentity(id)
	if !ok {
		return
	}
	d.track(dev)

	log.Info().
		Str("device", id.String()).
		Uint8("node", dev.NodeID).
		Str("event", string(evType)).
		Dur("period", dev.PollPeriod).
		Msg("关联状态已更新")

	d.record(ctx, models.NewDeviceEvent(evType, models.EventLevelInfo, id, dev.NodeID, string(evType)))
}

// handleReboot 节点重启通知
func (d *Dispatcher) handleReboot(ctx context.Context, pkt transport.Packet, _ meshpkt.Payload) error {
	log.Info().Uint8("node", pkt.NodeID).Msg("节点已重启")
	return nil
}

// handlePing 节点心跳
func (d *Dispatcher) handlePing(ctx context.Context, pkt transport.Packet, _ meshpkt.Payload) error {
	log.Debug().Uint8("node", pkt.NodeID).Msg("收到 PING")
	if dev, ok := d.Registry.LookupByNodeID(pkt.NodeID); ok {
		if err := d.Registry.Touch(ctx, dev.ID); err != nil {
			log.Error().Err(err).Str("device", dev.ID.String()).Msg("更新最后在线时间失败")
		}
	}
	return nil
}

func (d *Dispatcher) submit(job workqueue.Job) error {
	err := d.Queue.Submit(job)
	if errors.Is(err, workqueue.ErrInFlight) {
		log.Debug().Str("job", job.Name).Str("key", job.Key).Msg("同一任务正在执行，跳过")
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit %s: %w", job.Name, err)
	}
	return nil
}

func receivedAt(pkt transport.Packet, clock func() time.Time) time.Time {
	if !pkt.ReceivedAt.IsZero() {
		return pkt.ReceivedAt.UTC()
	}
	return clock().UTC()
}
