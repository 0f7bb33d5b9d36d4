package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// NATSConfig NATS 传输配置
type NATSConfig struct {
	GatewayID   string
	SendTimeout time.Duration
	InboxSize   int
}

// wireMessage 网状网络数据包的 JSON 形式
type wireMessage struct {
	NodeID  uint8  `json:"node_id"`
	Type    uint8  `json:"type"`
	Payload []byte `json:"payload"`
}

type sendReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type addressList struct {
	Addresses []uint8 `json:"addresses"`
}

type controlMessage struct {
	Op     string `json:"op"`
	NodeID uint8  `json:"node_id"`
}

// NATSTransport reaches a remote radio daemon through NATS subjects
// mesh.<gw>.rx, mesh.<gw>.tx, mesh.<gw>.addresses and mesh.<gw>.ctl.
type NATSTransport struct {
	nc  *nats.Conn
	cfg NATSConfig

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool

	inbox *inbox
	addrs *addressSet
}

// NewNATSTransport creates a NATS transport on an existing connection
func NewNATSTransport(nc *nats.Conn, cfg NATSConfig) *NATSTransport {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Second
	}
	if cfg.GatewayID == "" {
		cfg.GatewayID = "default"
	}
	return &NATSTransport{
		nc:    nc,
		cfg:   cfg,
		inbox: newInbox(cfg.InboxSize),
		addrs: newAddressSet(),
	}
}

func (n *NATSTransport) subject(suffix string) string {
	return fmt.Sprintf("mesh.%s.%s", n.cfg.GatewayID, suffix)
}

// Start subscribes to the inbound subjects
func (n *NATSTransport) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	handlers := []struct {
		suffix string
		cb     nats.MsgHandler
	}{
		{"rx", n.handleRx},
		{"addresses", n.handleAddresses},
	}
	for _, h := range handlers {
		sub, err := n.nc.Subscribe(n.subject(h.suffix), h.cb)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.suffix, err)
		}
		n.subs = append(n.subs, sub)
	}

	if err := n.nc.FlushTimeout(n.cfg.SendTimeout); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	log.Info().
		Str("gateway", n.cfg.GatewayID).
		Int("subscriptions", len(n.subs)).
		Msg("NATS 传输层启动")

	go func() {
		<-ctx.Done()
		n.Close()
	}()
	return nil
}

func (n *NATSTransport) handleRx(msg *nats.Msg) {
	var m wireMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("解析入站消息失败")
		return
	}

	p := Packet{
		NodeID:     m.NodeID,
		Type:       meshpkt.Type(m.Type),
		Body:       m.Payload,
		ReceivedAt: time.Now(),
	}
	n.addrs.add(p.NodeID)
	n.inbox.push(p)
}

func (n *NATSTransport) handleAddresses(msg *nats.Msg) {
	var list addressList
	if err := json.Unmarshal(msg.Data, &list); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("解析地址列表失败")
		return
	}
	n.addrs.replace(list.Addresses)
}

// Poll implements Transport
func (n *NATSTransport) Poll() []Packet {
	return n.inbox.drain()
}

// Send issues a request on mesh.<gw>.tx and waits for the daemon's reply
func (n *NATSTransport) Send(nodeID uint8, t meshpkt.Type, body []byte) bool {
	data, err := json.Marshal(wireMessage{NodeID: nodeID, Type: uint8(t), Payload: body})
	if err != nil {
		return false
	}

	reply, err := n.nc.Request(n.subject("tx"), data, n.cfg.SendTimeout)
	if err != nil {
		log.Warn().Err(err).Uint8("node", nodeID).Stringer("type", t).Msg("NATS 发送失败")
		return false
	}

	var r sendReply
	if err := json.Unmarshal(reply.Data, &r); err != nil {
		log.Error().Err(err).Msg("解析发送应答失败")
		return false
	}
	if !r.OK {
		log.Debug().Uint8("node", nodeID).Str("error", r.Error).Msg("网状网络投递失败")
	}
	return r.OK
}

// ConnectedAddresses implements Transport
func (n *NATSTransport) ConnectedAddresses() []uint8 {
	return n.addrs.list()
}

// RemoveAddress implements Transport
func (n *NATSTransport) RemoveAddress(nodeID uint8) {
	n.addrs.remove(nodeID)
	if err := n.control("remove", nodeID); err != nil {
		log.Error().Err(err).Uint8("node", nodeID).Msg("发送 remove 指令失败")
	}
}

// SetNodeID implements Transport
func (n *NATSTransport) SetNodeID(nodeID uint8) error {
	return n.control("set_node_id", nodeID)
}

func (n *NATSTransport) control(op string, nodeID uint8) error {
	data, err := json.Marshal(controlMessage{Op: op, NodeID: nodeID})
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject("ctl"), data)
}

// Close unsubscribes; the connection itself belongs to the caller
func (n *NATSTransport) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("subject", sub.Subject).Msg("取消订阅失败")
		}
	}
	n.subs = nil
	return nil
}
