package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/device"
	"github.com/dcclite-server/dcclite-broker/internal/models"
)

// StateSaver 保存设备快照，storage.Store 满足此接口
type StateSaver interface {
	SaveDeviceState(ctx context.Context, state *models.DeviceState) error
}

// Persister 有界队列 + 单个写协程；队列满时丢弃快照，不阻塞引擎
type Persister struct {
	broker  string
	saver   StateSaver
	queue   chan *models.DeviceState
	timeout time.Duration

	saved   atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewPersister creates a persistence worker
func NewPersister(broker string, saver StateSaver, size int) *Persister {
	if size <= 0 {
		size = 1
	}
	return &Persister{
		broker:  broker,
		saver:   saver,
		queue:   make(chan *models.DeviceState, size),
		timeout: 5 * time.Second,
	}
}

// DeviceState 入队一个快照
func (p *Persister) DeviceState(v device.View) {
	state := StateFromView(p.broker, v, time.Now())
	select {
	case p.queue <- state:
	default:
		p.dropped.Add(1)
		log.Warn().Str("device", v.Name).Msg("状态队列已满，丢弃快照")
	}
}

// Run 写入循环，ctx 结束后把队列中剩余的快照写完再返回
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case state := <-p.queue:
			p.save(context.Background(), state)
		}
	}
}

func (p *Persister) flush() {
	for {
		select {
		case state := <-p.queue:
			p.save(context.Background(), state)
		default:
			return
		}
	}
}

func (p *Persister) save(parent context.Context, state *models.DeviceState) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	if err := p.saver.SaveDeviceState(ctx, state); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).Str("device", state.Name).Msg("保存设备状态失败")
		return
	}
	p.saved.Add(1)
}

// PersisterStats counters of the persistence worker
type PersisterStats struct {
	Saved   uint64 `json:"saved"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Stats returns a copy of the counters
func (p *Persister) Stats() PersisterStats {
	return PersisterStats{
		Saved:   p.saved.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}

// StateFromView 把会话视图转换为持久化模型
func StateFromView(broker string, v device.View, now time.Time) *models.DeviceState {
	state := &models.DeviceState{
		Name:            v.Name,
		Broker:          broker,
		Status:          v.Status,
		Remote:          v.Remote,
		ExpectedToken:   v.ExpectedConfigToken.String(),
		ProtocolVersion: int(v.ProtocolVersion),
		Decoders:        v.Decoders,
		UpdatedAt:       now,
	}
	if !v.SessionToken.IsNull() {
		state.SessionToken = v.SessionToken.String()
	}
	if !v.ConfigToken.IsNull() {
		state.ConfigToken = v.ConfigToken.String()
	}
	if !v.LastSeen.IsZero() {
		t := v.LastSeen
		state.LastSeenAt = &t
	}
	if !v.OnlineSince.IsZero() {
		t := v.OnlineSince
		state.OnlineSince = &t
	}
	return state
}
