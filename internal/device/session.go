package device

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/scheduler"
	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

// Status 会话状态
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
)

func (s Status) String() string {
	if s == StatusOnline {
		return "ONLINE"
	}
	return "OFFLINE"
}

// thinkPrecision 下一次思考时间不晚于 now 时的最小推进量
const thinkPrecision = time.Millisecond

// configProgress 配置握手进度，存在即处于 Configuring
type configProgress struct {
	acks    []bool
	count   int
	retryAt time.Time
}

func (p *configProgress) complete() bool {
	return p.count == len(p.acks)
}

// Session 单个设备的协议状态机，只能在引擎协程中使用
type Session struct {
	dev     *Device
	sender  Sender
	sink    EventSink
	thinker *scheduler.Thinker

	status       Status
	sessionToken dcclite.Token
	configToken  dcclite.Token
	remote       netip.AddrPort
	legacy       bool
	version      uint16
	timeout      time.Time
	lastSeen     time.Time
	onlineSince  time.Time
	progress     *configProgress
}

// NewSession creates an offline session for dev
func NewSession(dev *Device, sched *scheduler.Scheduler, sender Sender, sink EventSink) *Session {
	if sink == nil {
		sink = nopSink{}
	}
	s := &Session{
		dev:    dev,
		sender: sender,
		sink:   sink,
	}
	s.thinker = scheduler.NewThinker(sched, s.think)
	return s
}

// Device returns the configured device
func (s *Session) Device() *Device {
	return s.dev
}

// Status returns the current status
func (s *Session) Status() Status {
	return s.status
}

// SessionToken returns the current session token, null when offline
func (s *Session) SessionToken() dcclite.Token {
	return s.sessionToken
}

// Remote returns the recorded device address
func (s *Session) Remote() netip.AddrPort {
	return s.remote
}

// Configuring reports whether a config handshake is in flight
func (s *Session) Configuring() bool {
	return s.progress != nil
}

// Close 释放调度登记，之后会话不会再被调度
func (s *Session) Close() {
	s.thinker.Close()
}

// OnHello 处理连接请求
func (s *Session) OnHello(now time.Time, from netip.AddrPort, h dcclite.HelloPayload) {
	logger := log.With().Str("device", s.dev.name).Str("remote", from.String()).Logger()

	if s.status == StatusOnline && s.remote == from && h.SessionToken == s.sessionToken {
		logger.Debug().Msg("重复 HELLO，忽略")
		return
	}

	if s.status == StatusOnline {
		logger.Info().Str("prev", s.remote.String()).Msg("设备重新连接，重置会话")
		s.goOffline(now, ReasonReconnect)
	}

	s.status = StatusOnline
	s.sessionToken = dcclite.NewSessionToken()
	s.configToken = h.ConfigToken
	s.remote = from
	s.version = h.ProtocolVersion
	s.legacy = dcclite.IsLegacy(h.ProtocolVersion)
	s.timeout = now.Add(dcclite.Timeout)
	s.lastSeen = now
	s.onlineSince = now

	logger.Info().
		Uint16("version", h.ProtocolVersion).
		Bool("legacy", s.legacy).
		Str("session", s.sessionToken.String()).
		Msg("设备上线")
	s.emit(now, EventOnline, "")

	if h.ConfigToken != s.dev.configToken {
		s.startConfig(now)
	} else {
		s.send(dcclite.Accepted)
	}

	s.scheduleThink(now)
}

// OnPacket 处理 HELLO 以外的消息，r 位于会话头之后
func (s *Session) OnPacket(now time.Time, from netip.AddrPort, hdr dcclite.Header, r *dcclite.Reader) {
	switch hdr.Type {
	case dcclite.ConfigDev:
		s.onConfigAck(now, from, hdr, r)
	case dcclite.ConfigFinished:
		s.onConfigFinished(now, from, hdr)
	case dcclite.MsgPing:
		s.onPing(now, from, hdr)
	default:
		log.Warn().
			Str("device", s.dev.name).
			Str("remote", from.String()).
			Stringer("type", hdr.Type).
			Msg("设备发送了非预期的消息类型")
	}
}

func (s *Session) onConfigAck(now time.Time, from netip.AddrPort, hdr dcclite.Header, r *dcclite.Reader) {
	if !s.checkSession(from, hdr) {
		return
	}
	seq, err := r.Read8()
	if err != nil {
		log.Warn().Err(err).Str("device", s.dev.name).Msg("CONFIG_DEV 应答格式错误")
		return
	}
	s.touchAddress(now, from)

	if s.progress == nil || int(seq) >= len(s.progress.acks) {
		log.Warn().
			Str("device", s.dev.name).
			Uint8("seq", seq).
			Bool("configuring", s.progress != nil).
			Msg("配置应答失步，强制离线")
		s.emit(now, EventDesync, "config ack out of range")
		s.goOffline(now, ReasonDesync)
		return
	}

	if !s.progress.acks[seq] {
		s.progress.acks[seq] = true
		s.progress.count++
	}
	s.refresh(now)
	s.progress.retryAt = now.Add(dcclite.ConfigRetryTime)

	log.Debug().
		Str("device", s.dev.name).
		Uint8("seq", seq).
		Int("acked", s.progress.count).
		Int("total", len(s.progress.acks)).
		Msg("收到 CONFIG_DEV 应答")

	if s.progress.complete() {
		s.sendConfigFinished()
	}
	s.scheduleThink(now)
}

func (s *Session) onConfigFinished(now time.Time, from netip.AddrPort, hdr dcclite.Header) {
	if !s.checkSession(from, hdr) {
		return
	}
	s.touchAddress(now, from)
	s.refresh(now)

	switch {
	case s.progress == nil:
		log.Debug().Str("device", s.dev.name).Msg("重复的 CONFIG_FINISHED 应答")
	case !s.progress.complete():
		log.Warn().
			Str("device", s.dev.name).
			Int("acked", s.progress.count).
			Int("total", len(s.progress.acks)).
			Msg("CONFIG_FINISHED 应答早于全部 CONFIG_DEV 应答，忽略")
	default:
		s.progress = nil
		s.configToken = s.dev.configToken
		log.Info().Str("device", s.dev.name).Int("decoders", len(s.dev.decoders)).Msg("设备配置完成")
		s.emit(now, EventConfigFinished, "")
	}
	s.scheduleThink(now)
}

func (s *Session) onPing(now time.Time, from netip.AddrPort, hdr dcclite.Header) {
	if !s.checkSession(from, hdr) {
		return
	}
	if hdr.ConfigToken != s.dev.configToken {
		log.Debug().
			Str("device", s.dev.name).
			Str("config", hdr.ConfigToken.String()).
			Msg("MSG_PING 配置令牌不匹配，丢弃")
		return
	}
	s.touchAddress(now, from)
	s.send(dcclite.MsgPong)
	s.refresh(now)
	s.scheduleThink(now)
}

// checkSession 会话校验：必须在线且 SessionToken 一致
func (s *Session) checkSession(from netip.AddrPort, hdr dcclite.Header) bool {
	if s.status != StatusOnline {
		log.Debug().Str("device", s.dev.name).Str("remote", from.String()).Stringer("type", hdr.Type).Msg("设备离线，丢弃消息")
		return false
	}
	if hdr.SessionToken != s.sessionToken {
		log.Warn().
			Str("device", s.dev.name).
			Str("remote", from.String()).
			Str("session", hdr.SessionToken.String()).
			Msg("SessionToken 不匹配，丢弃消息")
		return false
	}
	return true
}

// touchAddress 令牌校验通过后允许设备地址漂移
func (s *Session) touchAddress(now time.Time, from netip.AddrPort) {
	if from == s.remote {
		return
	}
	prev := s.remote
	s.remote = from
	log.Info().Str("device", s.dev.name).Str("from", prev.String()).Str("to", from.String()).Msg("设备地址变更")

	s.sink.DeviceEvent(Event{
		Device:       s.dev.name,
		Type:         EventAddressChanged,
		Time:         now,
		Remote:       from,
		PrevRemote:   prev,
		SessionToken: s.sessionToken,
		ConfigToken:  s.configToken,
	})
}

func (s *Session) refresh(now time.Time) {
	s.timeout = now.Add(dcclite.Timeout)
	s.lastSeen = now
}

func (s *Session) startConfig(now time.Time) {
	n := len(s.dev.decoders)
	s.progress = &configProgress{
		acks:    make([]bool, n),
		retryAt: now.Add(dcclite.ConfigRetryTime),
	}

	log.Info().
		Str("device", s.dev.name).
		Str("presented", s.configToken.String()).
		Str("expected", s.dev.configToken.String()).
		Int("decoders", n).
		Msg("配置令牌不一致，开始配置设备")
	s.emit(now, EventConfigStarted, "")

	s.send(dcclite.ConfigStart)
	for i := 0; i < n; i++ {
		s.sendConfigDev(i)
	}
	if n == 0 {
		s.sendConfigFinished()
	}
}

// think 周期处理：超时离线、配置重传
func (s *Session) think(now time.Time) {
	if s.status != StatusOnline {
		return
	}

	if now.After(s.timeout) {
		log.Info().Str("device", s.dev.name).Time("lastSeen", s.lastSeen).Msg("设备超时，离线")
		s.goOffline(now, ReasonTimeout)
		return
	}

	if s.progress != nil && now.After(s.progress.retryAt) {
		s.retryConfig(now)
	}

	s.scheduleThink(now)
}

func (s *Session) retryConfig(now time.Time) {
	p := s.progress
	defer func() { p.retryAt = now.Add(dcclite.ConfigRetryTime) }()

	if p.complete() {
		log.Debug().Str("device", s.dev.name).Msg("重发 CONFIG_FINISHED")
		s.sendConfigFinished()
		return
	}

	if !p.acks[0] {
		s.send(dcclite.ConfigStart)
	}

	sent := 0
	for i, acked := range p.acks {
		if acked {
			continue
		}
		s.sendConfigDev(i)
		sent++
		if sent == dcclite.MaxConfigRetryBurst {
			break
		}
	}
	log.Debug().Str("device", s.dev.name).Int("resent", sent).Int("pending", len(p.acks)-p.count).Msg("重发 CONFIG_DEV")
}

// goOffline 完全重置：清除令牌与进度，取消调度
func (s *Session) goOffline(now time.Time, reason string) {
	ev := Event{
		Device:       s.dev.name,
		Type:         EventOffline,
		Time:         now,
		Remote:       s.remote,
		SessionToken: s.sessionToken,
		ConfigToken:  s.configToken,
		Reason:       reason,
	}

	s.status = StatusOffline
	s.sessionToken = dcclite.NullToken
	s.configToken = dcclite.NullToken
	s.progress = nil
	s.remote = netip.AddrPort{}
	s.thinker.Cancel()

	s.sink.DeviceEvent(ev)
}

// scheduleThink 调度到超时与重传截止时间中较早者
func (s *Session) scheduleThink(now time.Time) {
	next := s.timeout
	if s.progress != nil && s.progress.retryAt.Before(next) {
		next = s.progress.retryAt
	}
	if !next.After(now) {
		next = now.Add(thinkPrecision)
	}
	s.thinker.Schedule(next)
}

func (s *Session) message(t dcclite.MsgType) *dcclite.Packet {
	return dcclite.NewMessage(t, s.sessionToken, s.dev.configToken)
}

func (s *Session) send(t dcclite.MsgType) {
	s.sender.Send(s.remote, s.message(t))
}

func (s *Session) sendConfigDev(seq int) {
	p := s.message(dcclite.ConfigDev)
	p.Write8(uint8(seq))
	s.dev.decoders[seq].WriteConfig(p, s.legacy)
	s.sender.Send(s.remote, p)
}

func (s *Session) sendConfigFinished() {
	p := s.message(dcclite.ConfigFinished)
	p.Write8(uint8(len(s.dev.decoders)))
	s.sender.Send(s.remote, p)
}

func (s *Session) emit(now time.Time, t EventType, reason string) {
	s.sink.DeviceEvent(Event{
		Device:       s.dev.name,
		Type:         t,
		Time:         now,
		Remote:       s.remote,
		SessionToken: s.sessionToken,
		ConfigToken:  s.configToken,
		Reason:       reason,
	})
}
