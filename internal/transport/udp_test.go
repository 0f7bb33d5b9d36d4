package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// fakeDaemon 模拟无线守护进程
type fakeDaemon struct {
	conn *net.UDPConn
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakeDaemon{conn: conn}
}

func (d *fakeDaemon) read(t *testing.T) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, maxDatagram)
	require.NoError(t, d.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := d.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], addr
}

func (d *fakeDaemon) write(t *testing.T, to *net.UDPAddr, data []byte) {
	t.Helper()
	_, err := d.conn.WriteToUDP(data, to)
	require.NoError(t, err)
}

func newUDPPair(t *testing.T, timeout time.Duration) (*UDPTransport, *fakeDaemon) {
	t.Helper()
	d := newFakeDaemon(t)
	u, err := NewUDPTransport(UDPConfig{
		BindAddr:    "127.0.0.1:0",
		DaemonAddr:  d.conn.LocalAddr().String(),
		SendTimeout: timeout,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, u.Start(ctx))
	return u, d
}

func TestUDPPushAndAddrList(t *testing.T) {
	u, d := newUDPPair(t, time.Second)

	d.write(t, u.LocalAddr(), []byte{ProtocolVersion, OpPush, 7, byte(meshpkt.Ping)})
	d.write(t, u.LocalAddr(), []byte{ProtocolVersion, OpPush, 9, byte(meshpkt.Error), 3})

	var got []Packet
	require.Eventually(t, func() bool {
		got = append(got, u.Poll()...)
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, uint8(7), got[0].NodeID)
	assert.Equal(t, meshpkt.Ping, got[0].Type)
	assert.Empty(t, got[0].Body)
	assert.Equal(t, []byte{3}, got[1].Body)
	assert.Equal(t, []uint8{7, 9}, u.ConnectedAddresses())

	d.write(t, u.LocalAddr(), []byte{ProtocolVersion, OpAddrList, 3, 1, 4, 2})
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]uint8{1, 2, 4}, u.ConnectedAddresses())
	}, 2*time.Second, 5*time.Millisecond)

	// 版本不符的数据报被忽略
	d.write(t, u.LocalAddr(), []byte{9, OpPush, 5, 0})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, u.Poll())
}

func TestUDPSendAcknowledged(t *testing.T) {
	u, d := newUDPPair(t, time.Second)

	done := make(chan bool, 1)
	go func() { done <- u.Send(12, meshpkt.NodeIDAssignment, []byte{2}) }()

	data, from := d.read(t)
	require.Len(t, data, 7)
	assert.Equal(t, byte(ProtocolVersion), data[0])
	assert.Equal(t, byte(OpSend), data[1])
	token := binary.LittleEndian.Uint16(data[2:4])
	assert.Equal(t, byte(12), data[4])
	assert.Equal(t, byte(meshpkt.NodeIDAssignment), data[5])
	assert.Equal(t, byte(2), data[6])

	ack := []byte{ProtocolVersion, OpSendAck, 0, 0, AckDelivered}
	binary.LittleEndian.PutUint16(ack[2:4], token)
	d.write(t, from, ack)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return")
	}
}

func TestUDPSendFailureAndTimeout(t *testing.T) {
	u, d := newUDPPair(t, 100*time.Millisecond)

	done := make(chan bool, 1)
	go func() { done <- u.Send(3, meshpkt.Ping, nil) }()
	data, from := d.read(t)
	ack := []byte{ProtocolVersion, OpSendAck, data[2], data[3], AckFailed}
	d.write(t, from, ack)
	assert.False(t, <-done)

	// 无应答时超时返回 false
	start := time.Now()
	assert.False(t, u.Send(3, meshpkt.Ping, nil))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestUDPControl(t *testing.T) {
	u, d := newUDPPair(t, time.Second)

	require.NoError(t, u.SetNodeID(0))
	data, _ := d.read(t)
	assert.Equal(t, []byte{ProtocolVersion, OpSetNodeID, 0}, data)

	u.RemoveAddress(5)
	data, _ = d.read(t)
	assert.Equal(t, []byte{ProtocolVersion, OpRemove, 5}, data)
}

func TestUDPClosed(t *testing.T) {
	u, _ := newUDPPair(t, time.Second)
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.False(t, u.Send(1, meshpkt.Ping, nil))
}
