package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/authority/authoritytest"
	"github.com/meshbridge/mesh-gateway/internal/dispatch"
	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/registry"
	"github.com/meshbridge/mesh-gateway/internal/storage"
	"github.com/meshbridge/mesh-gateway/internal/timer"
	"github.com/meshbridge/mesh-gateway/internal/transport"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

type fixture struct {
	e     *Engine
	mesh  *transport.Memory
	reg   *registry.Registry
	store *storage.MemoryStore
	auth  *authoritytest.Fake
	queue *workqueue.Inline
	sched *timer.Scheduler
	now   time.Time
}

func newFixture(t *testing.T, cfg Config, connected ...uint8) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	reg, err := registry.Open(context.Background(), store)
	require.NoError(t, err)

	f := &fixture{
		mesh:  transport.NewMemory(connected...),
		reg:   reg,
		store: store,
		auth:  authoritytest.New(),
		queue: workqueue.NewInline(),
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sched = timer.NewScheduler(func() time.Time { return f.now })
	f.e = New(context.Background(), Deps{
		Transport: f.mesh,
		Registry:  reg,
		Authority: f.auth,
		Queue:     f.queue,
		Scheduler: f.sched,
		Events:    store,
	}, cfg)
	return f
}

func (f *fixture) sync() {
	f.e.SyncPass()
	f.queue.Drain()
}

func (f *fixture) addDevice(t *testing.T, nodeID uint8, period time.Duration) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.reg.Upsert(context.Background(), id, nodeID, period)
	require.NoError(t, err)
	return id
}

func TestSyncPendingToAssociatedToUnassociated(t *testing.T) {
	f := newFixture(t, Config{}, 6)
	id := f.addDevice(t, 6, 0)

	f.auth.SetDevice(id, models.AssocPending, 0)
	f.sync()
	assert.Empty(t, f.e.Timers())
	assert.Equal(t, 0, f.sched.Len())

	f.auth.SetDevice(id, models.AssocAssociated, 5000*time.Millisecond)
	f.sync()
	timers := f.e.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, id, timers[0].DeviceID)
	assert.Equal(t, uint8(6), timers[0].NodeID)
	assert.Equal(t, 5000*time.Millisecond, timers[0].Period)
	assert.True(t, timers[0].Enabled)
	assert.Equal(t, 1, f.sched.Len())

	dev, _ := f.reg.LookupByIdentity(id)
	assert.Equal(t, 5000*time.Millisecond, dev.PollPeriod)

	// 再次同步不会重复创建
	f.sync()
	assert.Len(t, f.e.Timers(), 1)
	assert.Equal(t, 1, f.sched.Len())

	f.auth.SetDevice(id, models.AssocUnassociated, 0)
	f.sync()
	assert.Empty(t, f.e.Timers())
	assert.Equal(t, 0, f.sched.Len())
	dev, ok := f.reg.LookupByIdentity(id)
	require.True(t, ok, "record kept as tombstone")
	assert.Equal(t, time.Duration(0), dev.PollPeriod)
}

func TestSyncUpdatesPeriodInPlace(t *testing.T) {
	f := newFixture(t, Config{}, 6)
	id := f.addDevice(t, 6, 5*time.Second)
	f.e.InitTimers()
	require.Len(t, f.e.Timers(), 1)

	f.auth.SetDevice(id, models.AssocAssociated, 20*time.Second)
	f.sync()
	timers := f.e.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, 20*time.Second, timers[0].Period)
	assert.Equal(t, 1, f.sched.Len())
}

func TestSyncAssociatedZeroPeriodIsPassive(t *testing.T) {
	f := newFixture(t, Config{}, 6)
	id := f.addDevice(t, 6, 5*time.Second)
	f.e.InitTimers()

	f.auth.SetDevice(id, models.AssocAssociated, 0)
	f.sync()
	assert.Empty(t, f.e.Timers())
	dev, _ := f.reg.LookupByIdentity(id)
	assert.False(t, dev.Polled())
}

func TestSyncRemoteUnavailableChangesNothing(t *testing.T) {
	f := newFixture(t, Config{}, 6)
	id := f.addDevice(t, 6, 5*time.Second)
	f.e.InitTimers()

	f.auth.SetErr(authority.ErrRemoteUnavailable)
	f.sync()
	require.Len(t, f.e.Timers(), 1)
	dev, _ := f.reg.LookupByIdentity(id)
	assert.Equal(t, 5*time.Second, dev.PollPeriod)
}

func TestSyncUnknownStateChangesNothing(t *testing.T) {
	f := newFixture(t, Config{}, 6)
	id := f.addDevice(t, 6, 5*time.Second)
	f.e.InitTimers()

	f.sync()
	require.Len(t, f.e.Timers(), 1)
	dev, _ := f.reg.LookupByIdentity(id)
	assert.Equal(t, 5*time.Second, dev.PollPeriod)
}

func TestPurgeUnassociated(t *testing.T) {
	f := newFixture(t, Config{PurgeUnassociated: true}, 6)
	id := f.addDevice(t, 6, 5*time.Second)
	f.auth.SetDevice(id, models.AssocUnassociated, 0)

	// 第一轮清零周期，第二轮删除
	f.sync()
	_, ok := f.reg.LookupByIdentity(id)
	require.True(t, ok)
	f.sync()
	_, ok = f.reg.LookupByIdentity(id)
	assert.False(t, ok)

	evs, _, err := f.store.ListEventLogs(context.Background(), storage.EventLogFilters{}, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, models.EventTypeDeviceRemoved, evs[0].Type)
}

func TestInitTimersOnlyConnectedAndPolled(t *testing.T) {
	f := newFixture(t, Config{}, 1, 2)
	polled := f.addDevice(t, 1, time.Second)
	f.addDevice(t, 2, 0)
	f.addDevice(t, 3, time.Second)

	assert.Equal(t, 1, f.e.InitTimers())
	timers := f.e.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, polled, timers[0].DeviceID)
}

func TestDataRequestTimerFires(t *testing.T) {
	f := newFixture(t, Config{}, 4)
	f.addDevice(t, 4, time.Second)
	f.e.InitTimers()

	f.sched.Tick(f.now.Add(999 * time.Millisecond))
	assert.Empty(t, f.mesh.Sent())

	f.now = f.now.Add(time.Second)
	f.sched.Tick(f.now)
	sent := f.mesh.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(4), sent[0].NodeID)
	assert.Equal(t, meshpkt.DataRequest, sent[0].Type)
}

func TestTrackFollowsNodeChange(t *testing.T) {
	f := newFixture(t, Config{}, 4, 9)
	id := f.addDevice(t, 4, time.Second)
	f.e.InitTimers()

	dev, err := f.reg.Upsert(context.Background(), id, 9, time.Second)
	require.NoError(t, err)
	f.e.Track(dev)

	info, ok := f.e.Timer(id)
	require.True(t, ok)
	assert.Equal(t, uint8(9), info.NodeID)
	assert.Equal(t, 1, f.sched.Len())

	f.sched.Tick(f.now.Add(time.Second))
	sent := f.mesh.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(9), sent[0].NodeID)
}

func TestNodeHandoverDropsPreviousTimer(t *testing.T) {
	f := newFixture(t, Config{}, 5)
	previous := f.addDevice(t, 5, time.Second)
	require.Equal(t, 1, f.e.InitTimers())

	// 另一个未关联的设备从同一节点上报身份
	next := uuid.New()
	f.auth.SetDevice(next, models.AssocPending, 0)
	d := dispatch.New(dispatch.Deps{
		Transport: f.mesh,
		Registry:  f.reg,
		Authority: f.auth,
		Queue:     f.queue,
		Timers:    f.e,
		Events:    f.store,
	})
	body, err := meshpkt.Encode(meshpkt.InfoPayload{SensorType: 1, DeviceID: next})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), transport.Packet{NodeID: 5, Type: meshpkt.Info, Body: body}))
	f.queue.Drain()

	_, ok := f.e.Timer(previous)
	assert.False(t, ok)
	assert.Equal(t, 0, f.sched.Len())

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Second)
		f.sched.Tick(f.now)
	}
	for _, p := range f.mesh.Sent() {
		assert.NotEqual(t, meshpkt.DataRequest, p.Type, "node %d polled after handover", p.NodeID)
	}
}

func TestDiscoveryAsksUnknownNodes(t *testing.T) {
	f := newFixture(t, Config{}, 0, 2, 5)
	f.addDevice(t, 2, 0)

	f.e.DiscoveryPass()
	sent := f.mesh.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(5), sent[0].NodeID)
	assert.Equal(t, meshpkt.InfoRequest, sent[0].Type)
}

func TestLivenessRemovesUnreachable(t *testing.T) {
	f := newFixture(t, Config{}, 2, 3, 4)
	f.addDevice(t, 2, 0)
	f.addDevice(t, 3, 0)
	f.addDevice(t, 4, time.Second)
	f.mesh.FailSends(3, true)

	f.e.LivenessPass()

	var pinged []uint8
	for _, p := range f.mesh.Sent() {
		assert.Equal(t, meshpkt.Ping, p.Type)
		pinged = append(pinged, p.NodeID)
	}
	assert.ElementsMatch(t, []uint8{2, 3}, pinged)
	assert.Equal(t, []uint8{3}, f.mesh.Removed())
	assert.NotContains(t, f.mesh.ConnectedAddresses(), uint8(3))

	// 记录仍保留，由同步处理
	assert.Equal(t, 3, f.reg.Len())
	nodeUnreachable := models.EventTypeNodeUnreachable
	evs, _, err := f.store.ListEventLogs(context.Background(), storage.EventLogFilters{Type: &nodeUnreachable}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestStartSchedulesPasses(t *testing.T) {
	f := newFixture(t, Config{SyncInterval: time.Hour, DiscoveryInterval: time.Minute, LivenessInterval: time.Hour}, 5)
	f.e.Start()
	assert.Equal(t, 3, f.sched.Len())

	f.now = f.now.Add(time.Minute)
	assert.Equal(t, 1, f.sched.Tick(f.now))
	require.Len(t, f.mesh.Sent(), 1)
	assert.Equal(t, meshpkt.InfoRequest, f.mesh.Sent()[0].Type)
}

func TestSyncSkipsInFlightDevice(t *testing.T) {
	f := newFixture(t, Config{}, 6)
	id := f.addDevice(t, 6, 0)
	f.auth.SetDevice(id, models.AssocAssociated, time.Second)

	f.e.SyncPass()
	f.e.SyncPass()
	f.queue.Drain()

	calls := 0
	for _, c := range f.auth.Calls {
		if c == "GetAssocState" {
			calls++
		}
	}
	assert.Equal(t, 1, calls)
	assert.Len(t, f.e.Timers(), 1)
}
