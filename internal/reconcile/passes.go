package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// syncResult 远程查询结果，只在循环 goroutine 中应用
type syncResult struct {
	state     models.AssocState
	err       error
	period    time.Duration
	periodErr error
}

// SyncPass queries the association state of every record
func (e *Engine) SyncPass() {
	devices := e.Registry.ListAll()
	log.Debug().Int("devices", len(devices)).Msg("开始关联状态同步")

	for _, dev := range devices {
		id := dev.ID
		e.submit(workqueue.Job{
			Name: "assoc-sync",
			Key:  "sync:" + id.String(),
			Do: func(ctx context.Context) workqueue.Apply {
				res := e.querySync(ctx, id)
				return func() { e.applySync(id, res) }
			},
		})
	}
}

func (e *Engine) querySync(ctx context.Context, id uuid.UUID) syncResult {
	var res syncResult
	res.state, res.err = e.Authority.GetAssocState(ctx, id)
	if res.err == nil && res.state == models.AssocAssociated {
		res.period, res.periodErr = e.Authority.GetPollPeriod(ctx, id)
	}
	return res
}

func (e *Engine) applySync(id uuid.UUID, res syncResult) {
	dev, ok := e.Registry.LookupByIdentity(id)
	if !ok {
		return
	}
	if res.err != nil {
		log.Warn().Err(res.err).Str("device", id.String()).Msg("关联状态查询失败，本轮跳过")
		return
	}

	switch res.state {
	case models.AssocUnassociated:
		e.applyUnassociated(dev)
	case models.AssocAssociated:
		if res.periodErr != nil {
			log.Warn().Err(res.periodErr).Str("device", id.String()).Msg("轮询周期查询失败，本轮跳过")
			return
		}
		e.applyPeriod(dev, res.period)
	default:
		log.Debug().Str("device", id.String()).Str("state", string(res.state)).Msg("关联状态无变化")
	}
}

func (e *Engine) applyUnassociated(dev models.Device) {
	e.dropTimer(dev.ID)
	e.Publish()

	if dev.Polled() {
		if err := e.Registry.SetPollPeriod(e.ctx, dev.ID, 0); err != nil {
			log.Error().Err(err).Str("device", dev.ID.String()).Msg("清零轮询周期失败")
			return
		}
		log.Info().Str("device", dev.ID.String()).Uint8("node", dev.NodeID).Msg("设备已解除关联，停止轮询")
		e.recordPeriodChange(dev, 0)
		return
	}

	if !e.cfg.PurgeUnassociated {
		return
	}
	if err := e.Registry.Remove(e.ctx, dev.ID); err != nil {
		log.Error().Err(err).Str("device", dev.ID.String()).Msg("删除设备失败")
		return
	}
	log.Info().Str("device", dev.ID.String()).Uint8("node", dev.NodeID).Msg("未关联设备已删除")
	e.record(models.NewDeviceEvent(models.EventTypeDeviceRemoved, models.EventLevelInfo, dev.ID, dev.NodeID, "unassociated device purged"))
}

func (e *Engine) applyPeriod(dev models.Device, period time.Duration) {
	if period != dev.PollPeriod {
		if err := e.Registry.SetPollPeriod(e.ctx, dev.ID, period); err != nil {
			log.Error().Err(err).Str("device", dev.ID.String()).Msg("更新轮询周期失败")
			return
		}
		e.recordPeriodChange(dev, period)
	}
	dev.PollPeriod = period
	e.Track(dev)
}

func (e *Engine) recordPeriodChange(dev models.Device, period time.Duration) {
	ev := models.NewDeviceEvent(models.EventTypePollPeriodChange, models.EventLevelInfo, dev.ID, dev.NodeID,
		fmt.Sprintf("poll period %s -> %s", dev.PollPeriod, period))
	ev.Details = models.Variables{
		"fromMs": dev.PollPeriodMillis(),
		"toMs":   period.Milliseconds(),
	}
	e.record(ev)
}

// DiscoveryPass asks every connected node without a record for its identity
func (e *Engine) DiscoveryPass() {
	asked := 0
	for _, id := range e.Transport.ConnectedAddresses() {
		if id < models.MinNodeID || id > models.MaxNodeID {
			continue
		}
		if _, ok := e.Registry.LookupByNodeID(id); ok {
			continue
		}
		ok := e.Transport.Send(id, meshpkt.InfoRequest, nil)
		log.Info().Uint8("node", id).Bool("delivered", ok).Msg("请求节点身份信息")
		asked++
	}
	if asked > 0 {
		log.Debug().Int("nodes", asked).Msg("身份发现完成")
	}
}

// LivenessPass pings every attached record without a poll period and drops
// unreachable nodes from the transport's address set
func (e *Engine) LivenessPass() {
	connected := make(map[uint8]bool)
	for _, id := range e.Transport.ConnectedAddresses() {
		connected[id] = true
	}

	for _, dev := range e.Registry.ListAll() {
		if dev.Polled() || !dev.Attached() {
			continue
		}
		if e.Transport.Send(dev.NodeID, meshpkt.Ping, nil) {
			continue
		}
		if !connected[dev.NodeID] {
			continue
		}

		e.Transport.RemoveAddress(dev.NodeID)
		delete(connected, dev.NodeID)
		log.Warn().Str("device", dev.ID.String()).Uint8("node", dev.NodeID).Msg("节点无响应，已从地址列表移除")
		e.record(models.NewDeviceEvent(models.EventTypeNodeUnreachable, models.EventLevelWarning, dev.ID, dev.NodeID, "ping not delivered"))
	}
}
