package transport

import (
	"context"
	"sync"
	"time"

	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// SentPacket is an outbound packet recorded by Memory
type SentPacket struct {
	NodeID uint8
	Type   meshpkt.Type
	Body   []byte
}

// Memory is an in-process transport for tests and simulation
type Memory struct {
	mu      sync.Mutex
	inbound []Packet
	sent    []SentPacket
	addrs   map[uint8]bool
	fail    map[uint8]bool
	nodeID  *uint8
	removed []uint8
}

var _ Transport = (*Memory)(nil)

// NewMemory creates a memory transport with the given nodes connected
func NewMemory(connected ...uint8) *Memory {
	m := &Memory{
		addrs: make(map[uint8]bool),
		fail:  make(map[uint8]bool),
	}
	for _, id := range connected {
		m.addrs[id] = true
	}
	return m
}

// Start implements Transport
func (m *Memory) Start(ctx context.Context) error { return nil }

// Close implements Transport
func (m *Memory) Close() error { return nil }

// Inject queues an inbound packet and marks its node connected
func (m *Memory) Inject(nodeID uint8, t meshpkt.Type, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs[nodeID] = true
	m.inbound = append(m.inbound, Packet{NodeID: nodeID, Type: t, Body: body, ReceivedAt: time.Now()})
}

// Connect marks nodes connected
func (m *Memory) Connect(ids ...uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.addrs[id] = true
	}
}

// FailSends makes every send to nodeID report failure
func (m *Memory) FailSends(nodeID uint8, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[nodeID] = fail
}

// Sent returns the outbound packets recorded so far
func (m *Memory) Sent() []SentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentPacket, len(m.sent))
	copy(out, m.sent)
	return out
}

// ResetSent clears the recorded outbound packets
func (m *Memory) ResetSent() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// Removed returns node IDs passed to RemoveAddress
func (m *Memory) Removed() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint8(nil), m.removed...)
}

// NodeID returns the last value passed to SetNodeID
func (m *Memory) NodeID() (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodeID == nil {
		return 0, false
	}
	return *m.nodeID, true
}

// Poll implements Transport
func (m *Memory) Poll() []Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.inbound
	m.inbound = nil
	return out
}

// Send implements Transport
func (m *Memory) Send(nodeID uint8, t meshpkt.Type, body []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentPacket{NodeID: nodeID, Type: t, Body: append([]byte(nil), body...)})
	return m.addrs[nodeID] && !m.fail[nodeID]
}

// ConnectedAddresses implements Transport
func (m *Memory) ConnectedAddresses() []uint8 {
	m.mu.Lock()
	set := &addressSet{nodes: make(map[uint8]time.Time, len(m.addrs))}
	for id := range m.addrs {
		set.nodes[id] = time.Time{}
	}
	m.mu.Unlock()
	return set.list()
}

// RemoveAddress implements Transport
func (m *Memory) RemoveAddress(nodeID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.addrs, nodeID)
	m.removed = append(m.removed, nodeID)
}

// SetNodeID implements Transport
func (m *Memory) SetNodeID(nodeID uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := nodeID
	m.nodeID = &id
	return nil
}
