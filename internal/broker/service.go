package broker

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/decoder"
	"github.com/dcclite-server/dcclite-broker/internal/device"
	"github.com/dcclite-server/dcclite-broker/internal/gateway"
	"github.com/dcclite-server/dcclite-broker/internal/scheduler"
	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

// ErrNotServiceLevel signal file entries must not be device-hosted decoders
var ErrNotServiceLevel = errors.New("decoder must not be device-hosted")

// StateSink 接收设备视图变化，在引擎协程中同步调用
type StateSink interface {
	DeviceState(v device.View)
}

// Options 构造 Service 所需的全部输入
type Options struct {
	Name     string
	Registry *decoder.Registry
	Devices  []config.DeviceFile
	Signals  []decoder.Record
	Sender   device.Sender
	Sinks    []device.EventSink
	States   []StateSink
}

// Stats 引擎计数器
type Stats struct {
	Datagrams      uint64 `json:"datagrams"`
	Malformed      uint64 `json:"malformed"`
	UnknownDevice  uint64 `json:"unknownDevice"`
	UnknownSession uint64 `json:"unknownSession"`
	Events         uint64 `json:"events"`
}

// Service 设备 broker：持有全部会话，按设备名或 SessionToken 分发数据报。
// 除查询方法外只能在引擎协程中调用。
type Service struct {
	name     string
	registry *decoder.Registry
	index    *decoder.Index
	sched    *scheduler.Scheduler
	sinks    []device.EventSink
	states   []StateSink

	sessions map[string]*device.Session
	names    []string
	byToken  map[dcclite.Token]*device.Session
	signals  []*decoder.Decoder

	mu    sync.RWMutex
	views map[string]device.View

	datagrams      atomic.Uint64
	malformed      atomic.Uint64
	unknownDevice  atomic.Uint64
	unknownSession atomic.Uint64
	events         atomic.Uint64
}

// NewService 加载设备与信号机，任何配置错误都直接返回
func NewService(opts Options) (*Service, error) {
	reg := opts.Registry
	if reg == nil {
		reg = decoder.NewRegistry()
	}

	s := &Service{
		name:     opts.Name,
		registry: reg,
		index:    decoder.NewIndex(),
		sched:    scheduler.New(),
		sinks:    opts.Sinks,
		states:   opts.States,
		sessions: make(map[string]*device.Session, len(opts.Devices)),
		byToken:  make(map[dcclite.Token]*device.Session),
		views:    make(map[string]device.View, len(opts.Devices)),
	}

	for _, df := range opts.Devices {
		if _, dup := s.sessions[df.Name]; dup {
			return nil, fmt.Errorf("%w: %s", config.ErrDuplicateDevice, df.Name)
		}
		dev, err := device.New(df.Name, df.Decoders, reg, s.index)
		if err != nil {
			if df.Path != "" {
				return nil, fmt.Errorf("%s: %w", df.Path, err)
			}
			return nil, err
		}
		sess := device.NewSession(dev, s.sched, opts.Sender, s)
		s.sessions[df.Name] = sess
		s.names = append(s.names, df.Name)
		s.views[df.Name] = sess.Snapshot()
	}
	sort.Strings(s.names)

	for i, r := range opts.Signals {
		d, err := reg.CreateFromRecord(r)
		if err != nil {
			return nil, fmt.Errorf("signal #%d: %w", i, err)
		}
		if d.DeviceHosted() {
			return nil, fmt.Errorf("signal #%d: %w: %s is a %s", i, ErrNotServiceLevel, d.Name(), d.Type())
		}
		if err := s.index.Add("", d); err != nil {
			return nil, fmt.Errorf("signal #%d: %w", i, err)
		}
		s.signals = append(s.signals, d)
	}

	for _, d := range s.signals {
		if err := s.index.CheckSignal(d); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("broker", s.name).
		Int("devices", len(s.sessions)).
		Int("decoders", s.index.Len()).
		Int("signals", len(s.signals)).
		Msg("broker 加载完成")

	return s, nil
}

// Run 引擎主循环：每个 tick 先处理收到的数据报，再驱动调度器
func (s *Service) Run(ctx context.Context, inbox <-chan gateway.Datagram, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.Close()

	limit := cap(inbox)
	if limit == 0 {
		limit = 1
	}
	batch := make([]gateway.Datagram, 0, limit)

	log.Info().Str("broker", s.name).Dur("tick", interval).Msg("broker 引擎启动")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("broker", s.name).Msg("broker 引擎停止")
			return nil
		case now := <-ticker.C:
			batch = drain(inbox, batch[:0])
			s.Tick(now, batch)
		}
	}
}

// drain 非阻塞地取出队列中的数据报，最多取满 batch 的容量
func drain(inbox <-chan gateway.Datagram, batch []gateway.Datagram) []gateway.Datagram {
	for len(batch) < cap(batch) {
		select {
		case dg, ok := <-inbox:
			if !ok {
				return batch
			}
			batch = append(batch, dg)
		default:
			return batch
		}
	}
	return batch
}

// Tick 处理一批数据报后驱动一次调度器
func (s *Service) Tick(now time.Time, batch []gateway.Datagram) {
	for _, dg := range batch {
		s.HandleDatagram(now, dg.From, dg.Data)
	}
	s.sched.Drive(now)
}

// HandleDatagram 解析并分发一个数据报，协议错误只记录日志
func (s *Service) HandleDatagram(now time.Time, from netip.AddrPort, data []byte) {
	s.datagrams.Add(1)

	r := dcclite.NewReader(data)
	hdr, err := dcclite.ReadHeader(r)
	if err != nil {
		s.malformed.Add(1)
		log.Warn().Err(err).Str("remote", from.String()).Int("size", len(data)).Msg("协议错误，丢弃数据报")
		return
	}

	var sess *device.Session
	if hdr.Type == dcclite.Hello {
		h, err := dcclite.ReadHello(r)
		if err != nil {
			s.malformed.Add(1)
			log.Warn().Err(err).Str("remote", from.String()).Msg("HELLO 格式错误，丢弃")
			return
		}
		if sess = s.sessions[h.Name]; sess == nil {
			s.unknownDevice.Add(1)
			log.Warn().Str("device", h.Name).Str("remote", from.String()).Msg("未知设备的 HELLO，丢弃")
			return
		}
		sess.OnHello(now, from, h)
	} else {
		if sess = s.byToken[hdr.SessionToken]; sess == nil {
			s.unknownSession.Add(1)
			log.Debug().
				Str("remote", from.String()).
				Stringer("type", hdr.Type).
				Str("session", hdr.SessionToken.String()).
				Msg("未知会话，丢弃数据报")
			return
		}
		sess.OnPacket(now, from, hdr, r)
	}

	s.updateView(sess)
}

// DeviceEvent 维护会话令牌路由表，然后转发给外部 sink
func (s *Service) DeviceEvent(ev device.Event) {
	s.events.Add(1)

	sess := s.sessions[ev.Device]
	switch ev.Type {
	case device.EventOnline:
		if sess != nil {
			s.byToken[ev.SessionToken] = sess
		}
	case device.EventOffline:
		delete(s.byToken, ev.SessionToken)
	}

	for _, sink := range s.sinks {
		sink.DeviceEvent(ev)
	}

	if sess == nil {
		return
	}
	v := s.updateView(sess)
	for _, st := range s.states {
		st.DeviceState(v)
	}
}

func (s *Service) updateView(sess *device.Session) device.View {
	v := sess.Snapshot()
	s.mu.Lock()
	s.views[v.Name] = v
	s.mu.Unlock()
	return v
}

// Close 释放全部会话的调度登记
func (s *Service) Close() {
	for _, sess := range s.sessions {
		sess.Close()
	}
}

// Name returns the broker name
func (s *Service) Name() string {
	return s.name
}

// Devices 全部设备的最新视图，按名称排序
func (s *Service) Devices() []device.View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]device.View, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.views[name])
	}
	return out
}

// DeviceView returns the latest view of one device
func (s *Service) DeviceView(name string) (device.View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[name]
	return v, ok
}

// Device 设备配置在加载后不再变化，可在任意协程读取
func (s *Service) Device(name string) (*device.Device, bool) {
	sess, ok := s.sessions[name]
	if !ok {
		return nil, false
	}
	return sess.Device(), true
}

// Decoder looks up a decoder by address
func (s *Service) Decoder(addr decoder.Address) (decoder.Entry, bool) {
	return s.index.ByAddress(addr)
}

// DecoderByName looks up a decoder by name
func (s *Service) DecoderByName(name string) (decoder.Entry, bool) {
	return s.index.ByName(name)
}

// Signals returns the service-level signal decoders
func (s *Service) Signals() []*decoder.Decoder {
	return s.signals
}

// Stats returns a copy of the counters
func (s *Service) Stats() Stats {
	return Stats{
		Datagrams:      s.datagrams.Load(),
		Malformed:      s.malformed.Load(),
		UnknownDevice:  s.unknownDevice.Load(),
		UnknownSession: s.unknownSession.Load(),
		Events:         s.events.Load(),
	}
}

// Decoders returns every indexed decoder ordered by address
func (s *Service) Decoders() []decoder.Entry {
	return s.index.Entries()
}
