package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func TestDriveOrder(t *testing.T) {
	t.Parallel()

	s := New()
	var fired []string
	rec := func(name string) Func {
		return func(time.Time) { fired = append(fired, name) }
	}

	a := s.Register(rec("a"))
	b := s.Register(rec("b"))
	c := s.Register(rec("c"))
	d := s.Register(rec("d"))
	s.Schedule(c, at(30))
	s.Schedule(a, at(10))
	s.Schedule(b, at(20))
	s.Schedule(d, at(20)) // same deadline as b, inserted later

	next, ok := s.Drive(at(5))
	require.True(t, ok)
	assert.Equal(t, at(10), next)
	assert.Empty(t, fired)

	next, ok = s.Drive(at(20))
	require.True(t, ok)
	assert.Equal(t, at(30), next)
	assert.Equal(t, []string{"a", "b", "d"}, fired)

	_, ok = s.Drive(at(100))
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b", "d", "c"}, fired)
	assert.Equal(t, 0, s.Len())
}

func TestScheduleSameDeadlineIsNoop(t *testing.T) {
	t.Parallel()

	s := New()
	var fired []string
	a := s.Register(func(time.Time) { fired = append(fired, "a") })
	b := s.Register(func(time.Time) { fired = append(fired, "b") })

	s.Schedule(a, at(10))
	s.Schedule(b, at(10))
	// rescheduling a at the same deadline must keep its place ahead of b
	s.Schedule(a, at(10))

	s.Drive(at(10))
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestRescheduleMoves(t *testing.T) {
	t.Parallel()

	s := New()
	count := 0
	h := s.Register(func(time.Time) { count++ })

	s.Schedule(h, at(10))
	s.Schedule(h, at(50))
	assert.Equal(t, 1, s.Len())

	s.Drive(at(20))
	assert.Equal(t, 0, count)

	deadline, ok := s.Scheduled(h)
	require.True(t, ok)
	assert.Equal(t, at(50), deadline)

	s.Drive(at(50))
	assert.Equal(t, 1, count)
	_, ok = s.Scheduled(h)
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	s := New()
	count := 0
	h := s.Register(func(time.Time) { count++ })

	// not scheduled yet
	s.Cancel(h)

	s.Schedule(h, at(10))
	s.Cancel(h)
	s.Cancel(h)
	_, ok := s.Drive(at(100))
	assert.False(t, ok)
	assert.Equal(t, 0, count)
}

func TestCallbackReschedulesItself(t *testing.T) {
	t.Parallel()

	s := New()
	var h Handle
	var seen []time.Time
	h = s.Register(func(now time.Time) {
		seen = append(seen, now)
		_, scheduled := s.Scheduled(h)
		assert.False(t, scheduled, "slot must be detached before the callback runs")
		s.Schedule(h, now.Add(100*time.Millisecond))
	})

	s.Schedule(h, at(0))
	next, ok := s.Drive(at(0))
	require.True(t, ok)
	assert.Equal(t, at(100), next)

	s.Drive(at(250))
	// the callback rescheduled to 350 on its second run
	assert.Equal(t, []time.Time{at(0), at(250)}, seen)
	next, _ = s.Drive(at(250))
	assert.Equal(t, at(350), next)
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	t.Parallel()

	s := New()
	count := 0
	old := s.Register(func(time.Time) { count++ })
	s.Schedule(old, at(10))
	s.Release(old)
	assert.Equal(t, 0, s.Len())

	// the slot is reused, the stale handle must not touch the new owner
	fresh := s.Register(func(time.Time) { count += 10 })
	assert.Equal(t, old.slot, fresh.slot)
	assert.NotEqual(t, old.gen, fresh.gen)

	s.Schedule(old, at(5))
	assert.Equal(t, 0, s.Len())

	s.Schedule(fresh, at(20))
	s.Cancel(old)
	s.Release(old)
	assert.Equal(t, 1, s.Len())

	s.Drive(at(30))
	assert.Equal(t, 10, count)
}

func TestZeroHandleIsInert(t *testing.T) {
	t.Parallel()

	s := New()
	var h Handle
	assert.False(t, h.Valid())
	s.Schedule(h, at(0))
	s.Cancel(h)
	s.Release(h)
	assert.Equal(t, 0, s.Len())
}

func TestThinker(t *testing.T) {
	t.Parallel()

	s := New()
	count := 0
	th := NewThinker(s, func(time.Time) { count++ })

	th.Schedule(at(10))
	deadline, ok := th.Scheduled()
	require.True(t, ok)
	assert.Equal(t, at(10), deadline)

	th.Cancel()
	s.Drive(at(20))
	assert.Equal(t, 0, count)

	th.Schedule(at(30))
	th.Close()
	s.Drive(at(40))
	assert.Equal(t, 0, count)

	// closed thinker ignores further use
	th.Schedule(at(50))
	assert.Equal(t, 0, s.Len())
}

func TestManyRegistrations(t *testing.T) {
	t.Parallel()

	s := New()
	var order []int
	handles := make([]Handle, 50)
	for i := range handles {
		i := i
		handles[i] = s.Register(func(time.Time) { order = append(order, i) })
	}
	// schedule in reverse so the heap has to reorder
	for i := len(handles) - 1; i >= 0; i-- {
		s.Schedule(handles[i], at(i))
	}
	// cancel every odd one
	for i := 1; i < len(handles); i += 2 {
		s.Cancel(handles[i])
	}

	s.Drive(at(1000))
	require.Len(t, order, 25)
	for i, v := range order {
		assert.Equal(t, i*2, v)
	}
}
