package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/mesh-gateway/internal/timer"
	"github.com/meshbridge/mesh-gateway/internal/transport"
	"github.com/meshbridge/mesh-gateway/internal/workqueue"
	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

type recordingDispatcher struct {
	seen []transport.Packet
	fail bool
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, pkt transport.Packet) error {
	r.seen = append(r.seen, pkt)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

type publishCounter struct{ n int }

func (p *publishCounter) Publish() { p.n++ }

func TestRunOnceOrder(t *testing.T) {
	mesh := transport.NewMemory()
	mesh.Inject(3, meshpkt.Ping, nil)
	mesh.Inject(4, meshpkt.Reboot, nil)

	var order []string
	disp := &recordingDispatcher{}
	queue := workqueue.NewInline()
	require.NoError(t, queue.Submit(workqueue.Job{Name: "x", Do: func(ctx context.Context) workqueue.Apply {
		return func() { order = append(order, "apply") }
	}}))

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := timer.NewScheduler(func() time.Time { return now })
	sched.Schedule(time.Second, func() { order = append(order, "timer") }, true)
	now = now.Add(time.Second)

	pub := &publishCounter{}
	l := &Loop{Transport: mesh, Dispatcher: disp, Queue: queue, Scheduler: sched, Timers: pub}

	work := l.RunOnce(context.Background())
	assert.Equal(t, 4, work)
	require.Len(t, disp.seen, 2)
	assert.Equal(t, uint8(3), disp.seen[0].NodeID)
	assert.Equal(t, uint8(4), disp.seen[1].NodeID)
	assert.Equal(t, []string{"apply", "timer"}, order)
	assert.Equal(t, 1, pub.n)

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Packets)
	assert.Equal(t, uint64(1), stats.Applied)
	assert.Equal(t, uint64(1), stats.TimerFires)

	assert.Equal(t, 0, l.RunOnce(context.Background()))
}

func TestDispatchErrorsDoNotStopLoop(t *testing.T) {
	mesh := transport.NewMemory()
	mesh.Inject(3, meshpkt.Ping, nil)
	mesh.Inject(4, meshpkt.Ping, nil)

	disp := &recordingDispatcher{fail: true}
	l := &Loop{
		Transport:  mesh,
		Dispatcher: disp,
		Queue:      workqueue.NewInline(),
		Scheduler:  timer.NewScheduler(nil),
	}
	l.RunOnce(context.Background())
	assert.Len(t, disp.seen, 2)
	assert.Equal(t, uint64(2), l.Stats().Errors)
}

func TestRunStopsOnCancel(t *testing.T) {
	l := &Loop{
		Transport:    transport.NewMemory(),
		Dispatcher:   &recordingDispatcher{},
		Queue:        workqueue.NewInline(),
		Scheduler:    timer.NewScheduler(nil),
		PollInterval: time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, l.Running, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, l.Running())
}
