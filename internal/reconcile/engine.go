// Package reconcile keeps the device registry and the per-device
// data-request timers in line with the remote authority and with the set
// of nodes visible on the mesh.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/registry"
	"github.com/meshbridge/mesh-gateway/internal/timer"
	"github.com/meshbridge/mesh-gateway/internal/transport"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// Config 协调周期
type Config struct {
	SyncInterval      time.Duration
	DiscoveryInterval time.Duration
	LivenessInterval  time.Duration

	// PurgeUnassociated removes records that are unassociated and already
	// have a zero poll period, instead of keeping them as tombstones
	PurgeUnassociated bool
}

func (c *Config) setDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Hour
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = time.Minute
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = time.Hour
	}
}

// EventSink persists device events
type EventSink interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// Deps 协调引擎依赖
type Deps struct {
	Transport transport.Transport
	Registry  *registry.Registry
	Authority authority.Service
	Queue     workqueue.Executor
	Scheduler *timer.Scheduler
	Events    EventSink
}

// TimerInfo is a read-only view of one data-request timer
type TimerInfo struct {
	DeviceID  uuid.UUID     `json:"deviceId"`
	NodeID    uint8         `json:"nodeId"`
	Period    time.Duration `json:"period"`
	Enabled   bool          `json:"enabled"`
	LastFired time.Time     `json:"lastFired"`
}

type deviceTimer struct {
	timer  *timer.Timer
	nodeID uint8
}

// Engine 协调引擎。除 Timers 外所有方法只能在网关循环 goroutine 中调用。
type Engine struct {
	Deps
	cfg Config
	ctx context.Context

	timers   map[uuid.UUID]*deviceTimer
	passes   []*timer.Timer
	snapshot atomic.Value // []TimerInfo
}

// New creates an engine; call Start to schedule its passes
func New(ctx context.Context, deps Deps, cfg Config) *Engine {
	cfg.setDefaults()
	e := &Engine{
		Deps:   deps,
		cfg:    cfg,
		ctx:    ctx,
		timers: make(map[uuid.UUID]*deviceTimer),
	}
	e.snapshot.Store([]TimerInfo{})
	return e
}

// Start schedules the three reconciliation passes
func (e *Engine) Start() {
	e.passes = append(e.passes,
		e.Scheduler.Schedule(e.cfg.SyncInterval, e.SyncPass, true),
		e.Scheduler.Schedule(e.cfg.DiscoveryInterval, e.DiscoveryPass, true),
		e.Scheduler.Schedule(e.cfg.LivenessInterval, e.LivenessPass, true),
	)
	log.Info().
		Dur("sync", e.cfg.SyncInterval).
		Dur("discovery", e.cfg.DiscoveryInterval).
		Dur("liveness", e.cfg.LivenessInterval).
		Msg("协调任务已调度")
}

// InitTimers creates a data-request timer for every connected node whose
// record carries a poll period
func (e *Engine) InitTimers() int {
	n := 0
	for _, id := range e.Transport.ConnectedAddresses() {
		dev, ok := e.Registry.LookupByNodeID(id)
		if !ok || !dev.Polled() {
			continue
		}
		e.Track(dev)
		n++
	}
	log.Info().Int("timers", n).Msg("数据请求定时器已初始化")
	return n
}

// RunInitial runs association sync and identity discovery once
func (e *Engine) RunInitial() {
	e.SyncPass()
	e.DiscoveryPass()
}

// Track creates, updates or removes the timer of dev according to its
// poll period and node binding
func (e *Engine) Track(dev models.Device) {
	defer e.Publish()

	if !dev.Polled() || !dev.Attached() {
		e.dropTimer(dev.ID)
		return
	}

	if dt, ok := e.timers[dev.ID]; ok {
		if dt.timer.Period() != dev.PollPeriod || dt.nodeID != dev.NodeID {
			log.Info().
				Str("device", dev.ID.String()).
				Uint8("node", dev.NodeID).
				Dur("period", dev.PollPeriod).
				Msg("数据请求定时器已更新")
		}
		dt.timer.SetPeriod(dev.PollPeriod)
		dt.nodeID = dev.NodeID
		dt.timer.Enable()
		return
	}

	id := dev.ID
	dt := &deviceTimer{nodeID: dev.NodeID}
	dt.timer = e.Scheduler.Schedule(dev.PollPeriod, func() { e.requestData(id) }, true)
	e.timers[id] = dt

	log.Info().
		Str("device", id.String()).
		Uint8("node", dev.NodeID).
		Dur("period", dev.PollPeriod).
		Msg("数据请求定时器已创建")
}

func (e *Engine) dropTimer(id uuid.UUID) bool {
	dt, ok := e.timers[id]
	if !ok {
		return false
	}
	dt.timer.Disable()
	e.Scheduler.Remove(dt.timer)
	delete(e.timers, id)

	log.Info().Str("device", id.String()).Uint8("node", dt.nodeID).Msg("数据请求定时器已移除")
	return true
}

func (e *Engine) requestData(id uuid.UUID) {
	dt, ok := e.timers[id]
	if !ok {
		return
	}
	ok = e.Transport.Send(dt.nodeID, meshpkt.DataRequest, nil)
	log.Debug().
		Str("device", id.String()).
		Uint8("node", dt.nodeID).
		Bool("delivered", ok).
		Msg("发送数据请求")
}

// Timer returns the period and state of a device's timer
func (e *Engine) Timer(id uuid.UUID) (TimerInfo, bool) {
	dt, ok := e.timers[id]
	if !ok {
		return TimerInfo{}, false
	}
	return timerInfo(id, dt), true
}

// Publish refreshes the snapshot returned by Timers
func (e *Engine) Publish() {
	out := make([]TimerInfo, 0, len(e.timers))
	for id, dt := range e.timers {
		out = append(out, timerInfo(id, dt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	e.snapshot.Store(out)
}

// Timers returns the last published timer snapshot; safe from any goroutine
func (e *Engine) Timers() []TimerInfo {
	return e.snapshot.Load().([]TimerInfo)
}

func timerInfo(id uuid.UUID, dt *deviceTimer) TimerInfo {
	return TimerInfo{
		DeviceID:  id,
		NodeID:    dt.nodeID,
		Period:    dt.timer.Period(),
		Enabled:   dt.timer.Enabled(),
		LastFired: dt.timer.LastFired(),
	}
}

// submit 提交任务；同一设备的任务在执行中时跳过
func (e *Engine) submit(job workqueue.Job) {
	err := e.Queue.Submit(job)
	switch {
	case err == nil:
	case errors.Is(err, workqueue.ErrInFlight):
		log.Debug().Str("job", job.Name).Str("key", job.Key).Msg("任务仍在执行，本轮跳过")
	default:
		log.Warn().Err(err).Str("job", job.Name).Str("key", job.Key).Msg("任务提交失败，下一轮重试")
	}
}

func (e *Engine) record(ev *models.EventLog) {
	if e.Events == nil {
		return
	}
	if err := e.Events.CreateEventLog(e.ctx, ev); err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("写入事件日志失败")
	}
}
