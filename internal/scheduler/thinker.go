package scheduler

import "time"

// Thinker 拥有一个调度登记，嵌入在需要周期性处理的对象中。
// 拥有者销毁前必须调用 Close。
type Thinker struct {
	s *Scheduler
	h Handle
}

// NewThinker registers fn with s
func NewThinker(s *Scheduler, fn Func) *Thinker {
	return &Thinker{s: s, h: s.Register(fn)}
}

// Schedule arms the thinker at deadline
func (t *Thinker) Schedule(deadline time.Time) {
	t.s.Schedule(t.h, deadline)
}

// Cancel disarms the thinker
func (t *Thinker) Cancel() {
	t.s.Cancel(t.h)
}

// Scheduled returns the pending deadline, if any
func (t *Thinker) Scheduled() (time.Time, bool) {
	return t.s.Scheduled(t.h)
}

// Close releases the registration; the thinker is inert afterwards
func (t *Thinker) Close() {
	t.s.Release(t.h)
}
