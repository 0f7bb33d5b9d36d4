// Package outbox persists sensor readings the authority could not accept
// and re-posts them in the background.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"

	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/models"
)

// Poster delivers one reading
type Poster interface {
	PostSensorReading(ctx context.Context, reading *models.SensorReading) error
}

// Config 发件箱配置
type Config struct {
	Path          string
	RetryInterval time.Duration
	PostTimeout   time.Duration
}

// Stats 发件箱统计
type Stats struct {
	Pushed    uint64 `json:"pushed"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Retries   uint64 `json:"retries"`
}

// Outbox is a disk-backed FIFO of readings with a single delivery worker
type Outbox struct {
	cfg    Config
	q      *spq.Queue
	poster Poster
	alive  *alive.Alive
	cancel context.CancelFunc

	pushed    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64
}

// Open opens (or creates) the queue at cfg.Path
func Open(cfg Config, poster Poster) (*Outbox, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("outbox: empty path")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 10 * time.Second
	}

	q, err := spq.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", cfg.Path, err)
	}

	return &Outbox{
		cfg:    cfg,
		q:      q,
		poster: poster,
		alive:  alive.NewAlive(),
	}, nil
}

// Push appends a reading; safe from any goroutine
func (o *Outbox) Push(reading models.SensorReading) error {
	b, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	if err := o.q.Push(b); err != nil {
		return fmt.Errorf("outbox push: %w", err)
	}
	o.pushed.Add(1)
	return nil
}

// Start launches the delivery worker
func (o *Outbox) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	if !o.alive.Add(1) {
		return
	}
	go o.worker(ctx)

	log.Info().
		Str("path", o.cfg.Path).
		Dur("retry_interval", o.cfg.RetryInterval).
		Msg("发件箱已启动")
}

// Close stops the worker and closes the queue; undelivered readings stay on disk
func (o *Outbox) Close() error {
	o.alive.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	err := o.q.Close()
	o.alive.Wait()
	return err
}

// Stats returns the delivery counters
func (o *Outbox) Stats() Stats {
	return Stats{
		Pushed:    o.pushed.Load(),
		Delivered: o.delivered.Load(),
		Dropped:   o.dropped.Load(),
		Retries:   o.retries.Load(),
	}
}

func (o *Outbox) worker(ctx context.Context) {
	defer o.alive.Done()

	for {
		box, err := o.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			if o.handle(ctx, b) {
				if err := o.q.Delete(box); err != nil {
					log.Error().Err(err).Msg("发件箱删除失败")
				}
				continue
			}

			o.retries.Add(1)
			if err := o.q.DeletePush(box); err != nil {
				log.Error().Err(err).Msg("发件箱重新入队失败")
			}
			if !o.sleep(o.cfg.RetryInterval) {
				return
			}

		case spq.ErrClosed:
			if o.alive.IsRunning() {
				log.Error().Msg("发件箱队列意外关闭")
			}
			return

		default:
			log.Error().Err(err).Msg("发件箱读取失败")
			if !o.sleep(o.cfg.RetryInterval) {
				return
			}
		}
	}
}

// handle posts one item and reports whether it can be deleted
func (o *Outbox) handle(ctx context.Context, b []byte) bool {
	var reading models.SensorReading
	if err := json.Unmarshal(b, &reading); err != nil {
		o.dropped.Add(1)
		log.Error().Err(err).Hex("raw", b).Msg("发件箱数据无法解析，已丢弃")
		return true
	}

	postCtx, cancel := context.WithTimeout(ctx, o.cfg.PostTimeout)
	err := o.poster.PostSensorReading(postCtx, &reading)
	cancel()

	switch {
	case err == nil:
		o.delivered.Add(1)
		log.Info().
			Str("device", reading.DeviceID.String()).
			Time("received_at", reading.ReceivedAt).
			Msg("发件箱读数已补发")
		return true
	case authority.IsRetryable(err):
		log.Warn().Err(err).Str("device", reading.DeviceID.String()).Msg("补发失败，稍后重试")
		return false
	default:
		o.dropped.Add(1)
		log.Error().Err(err).Str("device", reading.DeviceID.String()).Msg("补发被拒绝，已丢弃")
		return true
	}
}

func (o *Outbox) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-o.alive.StopChan():
		return false
	}
}
