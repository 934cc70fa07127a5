package scheduler

import (
	"container/heap"
	"time"
)

// Func 到期回调，now 为本次 Drive 的时间
type Func func(now time.Time)

// Handle 登记槽位的稳定句柄（槽位下标 + 代数）。
// 槽位释放后代数递增，旧句柄上的所有操作都变成空操作。
type Handle struct {
	slot int32
	gen  uint32
}

// Valid reports whether h was ever issued by a scheduler
func (h Handle) Valid() bool {
	return h.gen != 0
}

type slot struct {
	fn       Func
	deadline time.Time
	seq      uint64
	gen      uint32
	heapIdx  int // -1 when not scheduled
	used     bool
}

// Scheduler 按截止时间顺序触发回调，单线程使用，不创建定时器或协程
type Scheduler struct {
	slots []slot
	free  []int32
	queue slotHeap
	seq   uint64
}

// New creates an empty scheduler
func New() *Scheduler {
	s := &Scheduler{}
	s.queue.s = s
	return s
}

// Register 分配一个未调度的槽位
func (s *Scheduler) Register(fn Func) Handle {
	if fn == nil {
		panic("scheduler: nil callback")
	}

	var idx int32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, slot{})
		idx = int32(len(s.slots) - 1)
	}

	sl := &s.slots[idx]
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	sl.fn = fn
	sl.used = true
	sl.heapIdx = -1
	sl.deadline = time.Time{}

	return Handle{slot: idx, gen: sl.gen}
}

// Release 取消并释放槽位，之后该句柄失效
func (s *Scheduler) Release(h Handle) {
	sl := s.lookup(h)
	if sl == nil {
		return
	}
	s.cancel(sl)
	sl.used = false
	sl.fn = nil
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	s.free = append(s.free, h.slot)
}

// Schedule 在 deadline 触发回调。已在同一时间调度时不做任何事，否则重新排队。
func (s *Scheduler) Schedule(h Handle, deadline time.Time) {
	sl := s.lookup(h)
	if sl == nil {
		return
	}
	if sl.heapIdx >= 0 && sl.deadline.Equal(deadline) {
		return
	}

	s.cancel(sl)
	s.seq++
	sl.deadline = deadline
	sl.seq = s.seq
	heap.Push(&s.queue, h.slot)
}

// Cancel 移除调度，未调度时安全
func (s *Scheduler) Cancel(h Handle) {
	if sl := s.lookup(h); sl != nil {
		s.cancel(sl)
	}
}

// Scheduled returns the pending deadline of h
func (s *Scheduler) Scheduled(h Handle) (time.Time, bool) {
	sl := s.lookup(h)
	if sl == nil || sl.heapIdx < 0 {
		return time.Time{}, false
	}
	return sl.deadline, true
}

// Drive 依次触发所有 deadline <= now 的回调。
// 回调执行前槽位已标记为未调度，回调可以重新调度自身；
// 重新调度到 <= now 的时间会在同一次 Drive 中再次触发。
// 返回下一个截止时间，队列为空时 ok 为 false。
func (s *Scheduler) Drive(now time.Time) (next time.Time, ok bool) {
	for len(s.queue.idx) > 0 {
		top := &s.slots[s.queue.idx[0]]
		if top.deadline.After(now) {
			return top.deadline, true
		}

		fn := top.fn
		heap.Pop(&s.queue)
		fn(now)
	}
	return time.Time{}, false
}

// Len returns the number of pending registrations
func (s *Scheduler) Len() int {
	return len(s.queue.idx)
}

func (s *Scheduler) lookup(h Handle) *slot {
	if h.gen == 0 || h.slot < 0 || int(h.slot) >= len(s.slots) {
		return nil
	}
	sl := &s.slots[h.slot]
	if !sl.used || sl.gen != h.gen {
		return nil
	}
	return sl
}

func (s *Scheduler) cancel(sl *slot) {
	if sl.heapIdx >= 0 {
		heap.Remove(&s.queue, sl.heapIdx)
	}
}

// slotHeap 以 (deadline, seq) 排序的槽位下标最小堆
type slotHeap struct {
	s   *Scheduler
	idx []int32
}

func (q *slotHeap) Len() int { return len(q.idx) }

func (q *slotHeap) Less(i, j int) bool {
	a, b := &q.s.slots[q.idx[i]], &q.s.slots[q.idx[j]]
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

func (q *slotHeap) Swap(i, j int) {
	q.idx[i], q.idx[j] = q.idx[j], q.idx[i]
	q.s.slots[q.idx[i]].heapIdx = i
	q.s.slots[q.idx[j]].heapIdx = j
}

func (q *slotHeap) Push(x interface{}) {
	i := x.(int32)
	q.s.slots[i].heapIdx = len(q.idx)
	q.idx = append(q.idx, i)
}

func (q *slotHeap) Pop() interface{} {
	n := len(q.idx)
	i := q.idx[n-1]
	q.idx = q.idx[:n-1]
	q.s.slots[i].heapIdx = -1
	return i
}
