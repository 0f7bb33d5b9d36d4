// Package gateway runs the single control loop that owns the registry and
// the scheduler.
package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/dispatch"
	"github.com/meshbridge/mesh-gateway/internal/timer"
	"github.com/meshbridge/mesh-gateway/internal/transport"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

const defaultPollInterval = 5 * time.Millisecond

// Dispatcher handles one inbound packet
type Dispatcher interface {
	Dispatch(ctx context.Context, pkt transport.Packet) error
}

// TimerPublisher publishes the timer snapshot after the scheduler fired
type TimerPublisher interface {
	Publish()
}

// Stats 循环统计，可在其他 goroutine 读取
type Stats struct {
	Packets    uint64 `json:"packets"`
	Errors     uint64 `json:"errors"`
	Applied    uint64 `json:"applied"`
	TimerFires uint64 `json:"timerFires"`
	Iterations uint64 `json:"iterations"`
}

// Loop 网关主循环
type Loop struct {
	Transport    transport.Transport
	Dispatcher   Dispatcher
	Queue        workqueue.Executor
	Scheduler    *timer.Scheduler
	Timers       TimerPublisher
	PollInterval time.Duration

	packets    atomic.Uint64
	errors     atomic.Uint64
	applied    atomic.Uint64
	timerFires atomic.Uint64
	iterations atomic.Uint64
	running    atomic.Bool
}

// RunOnce drains inbound packets, applies finished jobs and ticks the
// scheduler once. It returns how much work was done.
func (l *Loop) RunOnce(ctx context.Context) int {
	l.iterations.Add(1)
	work := 0

	for _, pkt := range l.Transport.Poll() {
		work++
		l.packets.Add(1)
		if err := l.Dispatcher.Dispatch(ctx, pkt); err != nil {
			l.errors.Add(1)
			logDispatchError(pkt, err)
		}
	}

	if n := l.Queue.Drain(); n > 0 {
		work += n
		l.applied.Add(uint64(n))
	}

	if fired := l.Scheduler.Tick(l.Scheduler.Now()); fired > 0 {
		work += fired
		l.timerFires.Add(uint64(fired))
		if l.Timers != nil {
			l.Timers.Publish()
		}
	}

	return work
}

// Run loops until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	interval := l.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	l.running.Store(true)
	defer l.running.Store(false)

	log.Info().Dur("poll_interval", interval).Msg("网关循环已启动")

	idle := time.NewTimer(interval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("网关循环已停止")
			return nil
		default:
		}

		if l.RunOnce(ctx) > 0 {
			continue
		}

		idle.Reset(interval)
		select {
		case <-ctx.Done():
			log.Info().Msg("网关循环已停止")
			return nil
		case <-idle.C:
		}
	}
}

// Running reports whether Run is active
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Stats returns the loop counters
func (l *Loop) Stats() Stats {
	return Stats{
		Packets:    l.packets.Load(),
		Errors:     l.errors.Load(),
		Applied:    l.applied.Load(),
		TimerFires: l.timerFires.Load(),
		Iterations: l.iterations.Load(),
	}
}

func logDispatchError(pkt transport.Packet, err error) {
	event := log.Warn()
	switch {
	case errors.Is(err, dispatch.ErrAddressSpaceExhausted):
		event = log.Error()
	case errors.Is(err, dispatch.ErrUnknownDevice), errors.Is(err, meshpkt.ErrMalformedPacket):
		event = log.Info()
	}
	event.Err(err).
		Uint8("node", pkt.NodeID).
		Stringer("type", pkt.Type).
		Msg("数据包处理失败")
}
