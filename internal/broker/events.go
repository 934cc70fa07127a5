package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/device"
)

// EventMessage NATS 上发布的设备事件
type EventMessage struct {
	Broker string `json:"broker"`
	device.Event
}

// EventSubject 设备事件主题：<prefix>.device.<name>.<event>
func EventSubject(prefix, name string, t device.EventType) string {
	return fmt.Sprintf("%s.device.%s.%s", prefix, subjectToken(name), strings.ToLower(string(t)))
}

// EventWildcard 订阅全部设备事件的主题
func EventWildcard(prefix string) string {
	return prefix + ".device.>"
}

// subjectToken 把设备名转换为单个主题片段
func subjectToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}

// Publisher 把会话事件发布到 NATS
type Publisher struct {
	nc     *nats.Conn
	prefix string
	broker string
}

// NewPublisher creates a NATS event publisher
func NewPublisher(nc *nats.Conn, prefix, broker string) *Publisher {
	return &Publisher{nc: nc, prefix: prefix, broker: broker}
}

// DeviceEvent 发布事件，nats.Conn 内部缓冲，不会阻塞引擎
func (p *Publisher) DeviceEvent(ev device.Event) {
	data, err := json.Marshal(EventMessage{Broker: p.broker, Event: ev})
	if err != nil {
		log.Error().Err(err).Str("device", ev.Device).Msg("序列化设备事件失败")
		return
	}

	subject := EventSubject(p.prefix, ev.Device, ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("发布到 NATS 失败")
		return
	}

	log.Debug().Str("subject", subject).Msg("设备事件已发布")
}
