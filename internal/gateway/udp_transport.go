package gateway

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

// 读缓冲区大小，超过 MaxPacketSize 的数据报会被截断后丢弃
const readBufferSize = 1500

// Datagram 收到的一个 UDP 数据报
type Datagram struct {
	From netip.AddrPort
	Data []byte
	At   time.Time
}

// Stats 传输层计数器
type Stats struct {
	Received   uint64 `json:"received"`
	Sent       uint64 `json:"sent"`
	Dropped    uint64 `json:"dropped"`
	Oversized  uint64 `json:"oversized"`
	SendErrors uint64 `json:"sendErrors"`
	ReadErrors uint64 `json:"readErrors"`
}

// PeerInfo 最近发过数据的远端
type PeerInfo struct {
	Addr     netip.AddrPort `json:"addr"`
	LastSeen time.Time      `json:"lastSeen"`
	Packets  uint64         `json:"packets"`
}

// UDPTransport 绑定单个 UDP 端口，读协程把数据报放入有界队列，由引擎协程消费
type UDPTransport struct {
	conn  *net.UDPConn
	inbox chan Datagram

	peers   map[netip.AddrPort]*PeerInfo
	mu      sync.RWMutex
	peerTTL time.Duration

	received   atomic.Uint64
	sent       atomic.Uint64
	dropped    atomic.Uint64
	oversized  atomic.Uint64
	sendErrors atomic.Uint64
	readErrors atomic.Uint64

	closeOnce sync.Once
}

// NewUDPTransport 创建 UDP 传输层
func NewUDPTransport(bindAddr string, inboxSize int) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	if inboxSize <= 0 {
		inboxSize = 1
	}

	return &UDPTransport{
		conn:    conn,
		inbox:   make(chan Datagram, inboxSize),
		peers:   make(map[netip.AddrPort]*PeerInfo),
		peerTTL: 5 * time.Minute,
	}, nil
}

// LocalAddr 实际绑定的地址
func (u *UDPTransport) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Inbox 收到的数据报
func (u *UDPTransport) Inbox() <-chan Datagram {
	return u.inbox
}

// Start 启动读循环，ctx 结束时关闭套接字并返回
func (u *UDPTransport) Start(ctx context.Context) error {
	log.Info().Str("addr", u.LocalAddr().String()).Msg("DCCLite UDP 服务器启动")

	go func() {
		<-ctx.Done()
		u.Close()
	}()

	go u.cleanupPeers(ctx)

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.readErrors.Add(1)
			log.Error().Err(err).Msg("读取 UDP 包错误")
			continue
		}

		u.received.Add(1)
		if n > dcclite.MaxPacketSize {
			u.oversized.Add(1)
			log.Debug().Str("addr", addr.String()).Int("size", n).Msg("数据报过大，丢弃")
			continue
		}

		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		u.touchPeer(addr)

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case u.inbox <- Datagram{From: addr, Data: data, At: time.Now()}:
		default:
			u.dropped.Add(1)
			log.Warn().Str("addr", addr.String()).Msg("接收队列已满，丢弃数据报")
		}
	}
}

// Send 发送一个数据包，失败只记录日志
func (u *UDPTransport) Send(to netip.AddrPort, p *dcclite.Packet) {
	if _, err := u.conn.WriteToUDPAddrPort(p.Bytes(), to); err != nil {
		u.sendErrors.Add(1)
		log.Error().Err(err).Str("addr", to.String()).Msg("发送 UDP 包失败")
		return
	}
	u.sent.Add(1)
}

// Close 关闭套接字，可重复调用
func (u *UDPTransport) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.conn.Close()
	})
	return err
}

// Stats 返回计数器快照
func (u *UDPTransport) Stats() Stats {
	return Stats{
		Received:   u.received.Load(),
		Sent:       u.sent.Load(),
		Dropped:    u.dropped.Load(),
		Oversized:  u.oversized.Load(),
		SendErrors: u.sendErrors.Load(),
		ReadErrors: u.readErrors.Load(),
	}
}

// Peers 返回最近活动的远端，按地址排序
func (u *UDPTransport) Peers() []PeerInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]PeerInfo, 0, len(u.peers))
	for _, p := range u.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Addr.Addr().Compare(out[j].Addr.Addr()); c != 0 {
			return c < 0
		}
		return out[i].Addr.Port() < out[j].Addr.Port()
	})
	return out
}

func (u *UDPTransport) touchPeer(addr netip.AddrPort) {
	u.mu.Lock()
	p, ok := u.peers[addr]
	if !ok {
		p = &PeerInfo{Addr: addr}
		u.peers[addr] = p
	}
	p.LastSeen = time.Now()
	p.Packets++
	u.mu.Unlock()
}

// cleanupPeers 定期清理长时间没有数据的远端
func (u *UDPTransport) cleanupPeers(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			u.prunePeers(now)
		}
	}
}

func (u *UDPTransport) prunePeers(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for addr, p := range u.peers {
		if now.Sub(p.LastSeen) > u.peerTTL {
			delete(u.peers, addr)
			log.Debug().Str("addr", addr.String()).Msg("远端长时间无数据，清理缓存")
		}
	}
}
