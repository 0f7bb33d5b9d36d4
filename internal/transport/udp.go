package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshbridge/mesh-gateway/pkg/meshpkt"
)

// 无线守护进程 UDP 协议常量
const (
	ProtocolVersion = 1

	// 消息类型
	OpPush      = 0x00
	OpSend      = 0x01
	OpSendAck   = 0x02
	OpAddrList  = 0x03
	OpRemove    = 0x04
	OpSetNodeID = 0x05
)

// SendAck status codes
const (
	AckDelivered = 0x00
	AckFailed    = 0x01
)

const maxDatagram = 512

// UDPConfig UDP 传输配置
type UDPConfig struct {
	BindAddr    string
	DaemonAddr  string
	SendTimeout time.Duration
	InboxSize   int
}

// UDPTransport exchanges datagrams with a local radio daemon
type UDPTransport struct {
	cfg    UDPConfig
	conn   *net.UDPConn
	daemon *net.UDPAddr

	inbox *inbox
	addrs *addressSet

	mu      sync.Mutex
	token   uint16
	pending map[uint16]chan uint8
	closed  bool
}

// NewUDPTransport binds the local socket
func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 500 * time.Millisecond
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	daemon, err := net.ResolveUDPAddr("udp", cfg.DaemonAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve daemon addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	return &UDPTransport{
		cfg:     cfg,
		conn:    conn,
		daemon:  daemon,
		inbox:   newInbox(cfg.InboxSize),
		addrs:   newAddressSet(),
		pending: make(map[uint16]chan uint8),
	}, nil
}

// LocalAddr returns the bound address
func (u *UDPTransport) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Start 启动接收协程
func (u *UDPTransport) Start(ctx context.Context) error {
	log.Info().
		Str("addr", u.conn.LocalAddr().String()).
		Str("daemon", u.daemon.String()).
		Msg("UDP 传输层启动")

	go u.readLoop()
	go func() {
		<-ctx.Done()
		u.Close()
	}()
	return nil
}

func (u *UDPTransport) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("读取 UDP 包错误")
			continue
		}
		u.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram 处理守护进程发来的数据报
func (u *UDPTransport) handleDatagram(data []byte, addr *net.UDPAddr) {
	if len(data) < 2 {
		return
	}

	if data[0] != ProtocolVersion {
		log.Warn().
			Uint8("version", data[0]).
			Str("addr", addr.String()).
			Msg("不支持的协议版本")
		return
	}

	body := data[2:]
	switch data[1] {
	case OpPush:
		u.handlePush(body)
	case OpSendAck:
		u.handleSendAck(body)
	case OpAddrList:
		u.handleAddrList(body)
	default:
		log.Warn().
			Uint8("op", data[1]).
			Str("addr", addr.String()).
			Msg("未知的包类型")
	}
}

func (u *UDPTransport) handlePush(body []byte) {
	if len(body) < 2 {
		log.Warn().Hex("data", body).Msg("PUSH 数据过短")
		return
	}

	p := Packet{
		NodeID:     body[0],
		Type:       meshpkt.Type(body[1]),
		Body:       append([]byte(nil), body[2:]...),
		ReceivedAt: time.Now(),
	}
	u.addrs.add(p.NodeID)
	u.inbox.push(p)

	log.Debug().
		Uint8("node", p.NodeID).
		Stringer("type", p.Type).
		Int("size", len(p.Body)).
		Msg("收到网状网络数据包")
}

func (u *UDPTransport) handleSendAck(body []byte) {
	if len(body) < 3 {
		return
	}
	token := binary.LittleEndian.Uint16(body[0:2])

	u.mu.Lock()
	ch, ok := u.pending[token]
	delete(u.pending, token)
	u.mu.Unlock()

	if !ok {
		log.Debug().Uint16("token", token).Msg("收到过期的 SEND_ACK")
		return
	}
	ch <- body[2]
}

func (u *UDPTransport) handleAddrList(body []byte) {
	if len(body) < 1 {
		return
	}
	n := int(body[0])
	if len(body) < 1+n {
		log.Warn().Int("count", n).Int("size", len(body)).Msg("地址列表长度不符")
		return
	}
	ids := append([]uint8(nil), body[1:1+n]...)
	u.addrs.replace(ids)
	log.Debug().Int("count", n).Msg("地址列表已更新")
}

// Poll implements Transport
func (u *UDPTransport) Poll() []Packet {
	return u.inbox.drain()
}

// Send writes a SEND datagram and waits for the daemon's acknowledgement
func (u *UDPTransport) Send(nodeID uint8, t meshpkt.Type, body []byte) bool {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false
	}
	u.token++
	token := u.token
	ch := make(chan uint8, 1)
	u.pending[token] = ch
	u.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(OpSend)
	binary.Write(&buf, binary.LittleEndian, token)
	buf.WriteByte(nodeID)
	buf.WriteByte(byte(t))
	buf.Write(body)

	if _, err := u.conn.WriteToUDP(buf.Bytes(), u.daemon); err != nil {
		u.dropPending(token)
		log.Error().Err(err).Uint8("node", nodeID).Stringer("type", t).Msg("发送 SEND 失败")
		return false
	}

	timer := time.NewTimer(u.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case status := <-ch:
		if status != AckDelivered {
			log.Debug().Uint8("node", nodeID).Stringer("type", t).Uint8("status", status).Msg("网状网络投递失败")
		}
		return status == AckDelivered
	case <-timer.C:
		u.dropPending(token)
		log.Warn().Uint8("node", nodeID).Stringer("type", t).Dur("timeout", u.cfg.SendTimeout).Msg("等待 SEND_ACK 超时")
		return false
	}
}

func (u *UDPTransport) dropPending(token uint16) {
	u.mu.Lock()
	delete(u.pending, token)
	u.mu.Unlock()
}

// ConnectedAddresses implements Transport
func (u *UDPTransport) ConnectedAddresses() []uint8 {
	return u.addrs.list()
}

// RemoveAddress forgets the node locally and tells the daemon
func (u *UDPTransport) RemoveAddress(nodeID uint8) {
	u.addrs.remove(nodeID)
	if err := u.control(OpRemove, nodeID); err != nil {
		log.Error().Err(err).Uint8("node", nodeID).Msg("发送 REMOVE 失败")
	}
}

// SetNodeID implements Transport
func (u *UDPTransport) SetNodeID(nodeID uint8) error {
	return u.control(OpSetNodeID, nodeID)
}

func (u *UDPTransport) control(op byte, nodeID uint8) error {
	_, err := u.conn.WriteToUDP([]byte{ProtocolVersion, op, nodeID}, u.daemon)
	return err
}

// Close 关闭套接字
func (u *UDPTransport) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}
