// Package registry keeps the gateway's device records: a write-through
// cache over storage.Store indexed by identity and by mesh node ID.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/storage"
)

// ErrNotFound is returned by mutations that target an unknown identity
var ErrNotFound = storage.ErrNotFound

// Registry 设备注册表
//
// A node ID in 1..253 is held by at most one record and an identity appears
// at most once. All methods are safe for concurrent use.
type Registry struct {
	store storage.Store

	mu     sync.RWMutex
	byID   map[uuid.UUID]*models.Device
	byNode map[uint8]uuid.UUID

	now func() time.Time
}

// Open loads every stored device into the cache
func Open(ctx context.Context, store storage.Store) (*Registry, error) {
	r := &Registry{
		store:  store,
		byID:   make(map[uuid.UUID]*models.Device),
		byNode: make(map[uint8]uuid.UUID),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rebuilds the cache from storage
func (r *Registry) Refresh(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[uuid.UUID]*models.Device, len(devices))
	r.byNode = make(map[uint8]uuid.UUID, len(devices))
	for _, d := range devices {
		dev := *d
		if dev.Attached() {
			if holder, taken := r.byNode[dev.NodeID]; taken {
				// 旧数据中的冲突：保留先加载的记录
				log.Warn().
					Uint8("node", dev.NodeID).
					Str("device", dev.ID.String()).
					Str("holder", holder.String()).
					Msg("节点 ID 冲突，忽略该绑定")
				dev.NodeID = models.DetachedNodeID
			} else {
				r.byNode[dev.NodeID] = dev.ID
			}
		}
		r.byID[dev.ID] = &dev
	}

	log.Debug().Int("count", len(devices)).Msg("设备缓存已加载")
	return nil
}

// LookupByNodeID returns the record bound to nodeID
func (r *Registry) LookupByNodeID(nodeID uint8) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if nodeID == models.DetachedNodeID {
		return models.Device{}, false
	}
	id, ok := r.byNode[nodeID]
	if !ok {
		return models.Device{}, false
	}
	return cloneDevice(r.byID[id]), true
}

// LookupByIdentity returns the record for a device identity
func (r *Registry) LookupByIdentity(id uuid.UUID) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return models.Device{}, false
	}
	return cloneDevice(d), true
}

// Upsert creates or updates the record for id. Any other record that holds
// nodeID is detached first, so the binding stays unique.
func (r *Registry) Upsert(ctx context.Context, id uuid.UUID, nodeID uint8, period time.Duration) (models.Device, error) {
	if id == uuid.Nil {
		return models.Device{}, fmt.Errorf("upsert: %w", storage.ErrInvalidData)
	}
	if nodeID > models.MaxNodeID || period < 0 {
		return models.Device{}, fmt.Errorf("upsert %s: %w", id, storage.ErrInvalidData)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 目标记录写入失败时恢复旧绑定
	var previous *models.Device
	if nodeID != models.DetachedNodeID {
		if holder, ok := r.byNode[nodeID]; ok && holder != id {
			prev, err := r.detachLocked(ctx, holder)
			if err != nil {
				return models.Device{}, err
			}
			previous = &prev
		}
	}

	existing, ok := r.byID[id]
	if !ok {
		dev := &models.Device{ID: id, NodeID: nodeID, PollPeriod: period}
		if err := r.store.CreateDevice(ctx, dev); err != nil {
			r.reattachLocked(ctx, previous)
			return models.Device{}, fmt.Errorf("create device %s: %w", id, err)
		}
		r.putLocked(dev)

		log.Info().
			Str("device", id.String()).
			Uint8("node", nodeID).
			Dur("period", period).
			Msg("新设备已登记")
		return cloneDevice(dev), nil
	}

	updated := cloneDevice(existing)
	updated.NodeID = nodeID
	updated.PollPeriod = period
	if err := r.store.UpdateDevice(ctx, &updated); err != nil {
		r.reattachLocked(ctx, previous)
		return models.Device{}, fmt.Errorf("update device %s: %w", id, err)
	}

	if existing.NodeID != nodeID && r.byNode[existing.NodeID] == id {
		delete(r.byNode, existing.NodeID)
	}
	r.putLocked(&updated)
	return cloneDevice(&updated), nil
}

// SetPollPeriod changes the stored poll period of a known device
func (r *Registry) SetPollPeriod(ctx context.Context, id uuid.UUID, period time.Duration) error {
	if period < 0 {
		period = 0
	}
	return r.mutate(ctx, id, func(d *models.Device) bool {
		if d.PollPeriod == period {
			return false
		}
		d.PollPeriod = period
		return true
	})
}

// SetSensorType records the sensor kind reported by the node
func (r *Registry) SetSensorType(ctx context.Context, id uuid.UUID, sensorType uint8) error {
	return r.mutate(ctx, id, func(d *models.Device) bool {
		if d.SensorType == sensorType {
			return false
		}
		d.SensorType = sensorType
		return true
	})
}

// Touch records that the device was just heard from
func (r *Registry) Touch(ctx context.Context, id uuid.UUID) error {
	now := r.now()
	return r.mutate(ctx, id, func(d *models.Device) bool {
		d.LastSeenAt = &now
		return true
	})
}

// ListAll returns every record ordered by node ID
func (r *Registry) ListAll() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Remove deletes the record for id
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}

	if err := r.store.DeleteDevice(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete device %s: %w", id, err)
	}

	if r.byNode[d.NodeID] == id {
		delete(r.byNode, d.NodeID)
	}
	delete(r.byID, id)
	return nil
}

func (r *Registry) mutate(ctx context.Context, id uuid.UUID, fn func(d *models.Device) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}

	updated := cloneDevice(existing)
	if !fn(&updated) {
		return nil
	}
	if err := r.store.UpdateDevice(ctx, &updated); err != nil {
		return fmt.Errorf("update device %s: %w", id, err)
	}
	r.putLocked(&updated)
	return nil
}

// detachLocked 释放 holder 占用的节点 ID，返回解绑前的记录
func (r *Registry) detachLocked(ctx context.Context, holder uuid.UUID) (models.Device, error) {
	d := r.byID[holder]
	prev := cloneDevice(d)
	detached := cloneDevice(d)
	detached.NodeID = models.DetachedNodeID
	if err := r.store.UpdateDevice(ctx, &detached); err != nil {
		return models.Device{}, fmt.Errorf("detach device %s: %w", holder, err)
	}

	log.Info().
		Str("device", holder.String()).
		Uint8("node", d.NodeID).
		Msg("节点 ID 已转移，旧设备解除绑定")

	delete(r.byNode, d.NodeID)
	r.byID[holder] = &detached
	return prev, nil
}

// reattachLocked 撤销 detachLocked
func (r *Registry) reattachLocked(ctx context.Context, prev *models.Device) {
	if prev == nil {
		return
	}
	if err := r.store.UpdateDevice(ctx, prev); err != nil {
		log.Error().Err(err).Str("device", prev.ID.String()).Uint8("node", prev.NodeID).Msg("恢复节点绑定失败")
		return
	}
	r.putLocked(prev)
}

func (r *Registry) putLocked(d *models.Device) {
	dev := cloneDevice(d)
	r.byID[dev.ID] = &dev
	if dev.Attached() {
		r.byNode[dev.NodeID] = dev.ID
	}
}

func cloneDevice(d *models.Device) models.Device {
	out := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		out.LastSeenAt = &t
	}
	return out
}
