// Package transport connects the gateway to the radio mesh. The gateway only
// sees addressed packets and the set of currently connected node IDs; routing
// and link security stay inside the radio daemon.
package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("transport closed")

// Packet is one inbound mesh packet
type Packet struct {
	NodeID     uint8
	Type       meshpkt.Type
	Body       []byte
	ReceivedAt time.Time
}

// Transport is the mesh-facing collaborator
type Transport interface {
	// Start begins receiving; it returns once the transport is ready
	Start(ctx context.Context) error
	// Poll returns every packet received since the previous call without blocking
	Poll() []Packet
	// Send delivers one packet and reports whether the mesh acknowledged it
	Send(nodeID uint8, t meshpkt.Type, body []byte) bool
	// ConnectedAddresses returns the node IDs currently known to the mesh
	ConnectedAddresses() []uint8
	// RemoveAddress forgets a node ID
	RemoveAddress(nodeID uint8)
	// SetNodeID sets the gateway's own mesh address
	SetNodeID(nodeID uint8) error
	Close() error
}

// inbox 入站包缓冲区，满时丢弃最新的包
type inbox struct {
	ch chan Packet
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = 1024
	}
	return &inbox{ch: make(chan Packet, size)}
}

func (b *inbox) push(p Packet) bool {
	select {
	case b.ch <- p:
		return true
	default:
		log.Warn().Uint8("node", p.NodeID).Stringer("type", p.Type).Msg("入站缓冲区已满，丢弃数据包")
		return false
	}
}

func (b *inbox) drain() []Packet {
	var out []Packet
	for {
		select {
		case p := <-b.ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

// addressSet 当前连接的节点地址
type addressSet struct {
	mu    sync.RWMutex
	nodes map[uint8]time.Time
}

func newAddressSet() *addressSet {
	return &addressSet{nodes: make(map[uint8]time.Time)}
}

func (s *addressSet) add(id uint8) {
	s.mu.Lock()
	s.nodes[id] = time.Now()
	s.mu.Unlock()
}

func (s *addressSet) remove(id uint8) {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
}

func (s *addressSet) replace(ids []uint8) {
	now := time.Now()
	s.mu.Lock()
	s.nodes = make(map[uint8]time.Time, len(ids))
	for _, id := range ids {
		s.nodes[id] = now
	}
	s.mu.Unlock()
}

func (s *addressSet) list() []uint8 {
	s.mu.RLock()
	out := make([]uint8, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
