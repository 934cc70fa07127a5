package device

import (
	"net/netip"
	"time"

	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

// EventType 会话事件类型，与事件日志中的取值一致
type EventType string

const (
	EventOnline         EventType = "DEVICE_ONLINE"
	EventOffline        EventType = "DEVICE_OFFLINE"
	EventConfigStarted  EventType = "CONFIG_STARTED"
	EventConfigFinished EventType = "CONFIG_FINISHED"
	EventAddressChanged EventType = "ADDRESS_CHANGED"
	EventDesync         EventType = "DESYNC"
)

// Offline reasons
const (
	ReasonTimeout   = "timeout"
	ReasonDesync    = "desync"
	ReasonReconnect = "reconnect"
)

// Event 会话状态变化
type Event struct {
	Device       string         `json:"device"`
	Type         EventType      `json:"type"`
	Time         time.Time      `json:"time"`
	Remote       netip.AddrPort `json:"remote"`
	PrevRemote   netip.AddrPort `json:"prevRemote,omitempty"`
	SessionToken dcclite.Token  `json:"sessionToken"`
	ConfigToken  dcclite.Token  `json:"configToken"`
	Reason       string         `json:"reason,omitempty"`
}

// EventSink 接收会话事件，在引擎协程中同步调用，实现不得阻塞
type EventSink interface {
	DeviceEvent(ev Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ev Event)

// DeviceEvent calls f(ev)
func (f EventSinkFunc) DeviceEvent(ev Event) {
	f(ev)
}

type nopSink struct{}

func (nopSink) DeviceEvent(Event) {}

// Sender 发送数据报，错误由实现记录
type Sender interface {
	Send(to netip.AddrPort, p *dcclite.Packet)
}
